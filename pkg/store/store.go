package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"aoguide/pkg/guider"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	bucket = "guider"

	mqttConfigKey = "status/mqtt"

	defaultMQTTHost      = "tcp://localhost:1883"
	defaultMQTTTopicRoot = "aoguide"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("key not found")

// MQTTConfig is the broker the status events are published to.
type MQTTConfig struct {
	Enabled   bool   `json:"enabled"`
	Host      string `json:"host"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	TopicRoot string `json:"topic_root"`
}

var defaultMQTTConfig = MQTTConfig{
	Host:      defaultMQTTHost,
	TopicRoot: defaultMQTTTopicRoot,
}

// Store keeps the guider's persisted configuration in a bbolt database.
// Values are stored as JSON in a single bucket.
type Store struct {
	db *bolt.DB
}

// New creates a store and sets default values that are not yet stored.
func New(db *bolt.DB) (*Store, error) {
	st := Store{db: db}

	if err := st.setDefaults(); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) setDefaults() error {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	}); err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}

	if _, err := s.MQTTConfig(); err != nil {
		log.Infof("Setting default MQTT config")
		if err := s.put(mqttConfigKey, defaultMQTTConfig); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) put(key string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

func (s *Store) get(key string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}

		value := b.Get([]byte(key))
		if value == nil {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}

		return json.Unmarshal(value, v)
	})
}

func calibrationAmountKey(class string) string {
	return "stepguider/" + class + "/calibration_amount"
}

func calibrationKey(class string) string {
	return "stepguider/" + class + "/calibration"
}

// CalibrationAmount returns the stored calibration amount for a step
// guider class.
func (s *Store) CalibrationAmount(class string) (int, error) {
	var amount int
	err := s.get(calibrationAmountKey(class), &amount)
	return amount, err
}

func (s *Store) SetCalibrationAmount(class string, amount int) error {
	return s.put(calibrationAmountKey(class), amount)
}

func (s *Store) Calibration(class string) (guider.Calibration, error) {
	var cal guider.Calibration
	err := s.get(calibrationKey(class), &cal)
	return cal, err
}

func (s *Store) SetCalibration(class string, cal guider.Calibration) error {
	return s.put(calibrationKey(class), cal)
}

// LastDevice returns the name of the device last selected for role.
func (s *Store) LastDevice(role string) (string, error) {
	var name string
	err := s.get("last_device/"+role, &name)
	return name, err
}

func (s *Store) SetLastDevice(role, name string) error {
	return s.put("last_device/"+role, name)
}

// Relief returns the relief settings of the named scope, or the defaults
// when none are stored.
func (s *Store) Relief(scope string) guider.ReliefSettings {
	relief := guider.DefaultReliefSettings
	if err := s.get("scope/"+scope+"/relief", &relief); err != nil {
		return guider.DefaultReliefSettings
	}
	return relief
}

func (s *Store) SetRelief(scope string, relief guider.ReliefSettings) error {
	if relief.RAUnitsPerMs <= 0 || relief.DecUnitsPerMs <= 0 {
		return fmt.Errorf("relief rates must be positive")
	}
	if relief.MaxPulse < 0 {
		return fmt.Errorf("max pulse cannot be negative")
	}
	return s.put("scope/"+scope+"/relief", relief)
}

// DeviceUID returns the Alpaca UniqueID of the named device. A new one is
// generated and stored on first use.
func (s *Store) DeviceUID(name string) (string, error) {
	key := "device/" + name + "/uid"

	var uid string
	err := s.get(key, &uid)
	if err == nil && uid != "" {
		return uid, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}

	uid = uuid.NewString()
	if err := s.put(key, uid); err != nil {
		return "", err
	}
	return uid, nil
}

func (s *Store) MQTTConfig() (MQTTConfig, error) {
	var cfg MQTTConfig
	err := s.get(mqttConfigKey, &cfg)
	return cfg, err
}

// SetMQTTConfig saves the status broker configuration.
func (s *Store) SetMQTTConfig(cfg MQTTConfig) error {
	if cfg.Enabled && cfg.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if cfg.TopicRoot == "" {
		cfg.TopicRoot = defaultMQTTTopicRoot
	}
	return s.put(mqttConfigKey, cfg)
}
