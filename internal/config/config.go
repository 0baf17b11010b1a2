// Package config loads config.yml: the rig's top-level settings file
// locating the protocol, calibration data, bus ports, and scheduler knobs.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PHMeter is the pH-meter bus section of config.yml.
type PHMeter struct {
	ComPort                    int  `yaml:"ComPort"`
	ShouldPrintPhMeterMessages bool `yaml:"ShouldPrintPhMeterMessages"`
}

// Pumps is the pump bus section of config.yml.
type Pumps struct {
	ComPort                 int     `yaml:"ComPort"`
	BaudRate                int     `yaml:"BaudRate"`
	Diameter                float64 `yaml:"Diameter"`
	InfusionRate            float64 `yaml:"InfusionRate"`
	ShouldPrintPumpMessages bool    `yaml:"ShouldPrintPumpMessages"`
}

// Scheduler is the scheduler behavior section of config.yml.
type Scheduler struct {
	ShouldPrintSchedulingMessages                      bool    `yaml:"ShouldPrintSchedulingMessages"`
	ShouldRecordStepsWhileRunning                      bool    `yaml:"ShouldRecordStepsWhileRunning"`
	PhCalibrationDataPath                              string  `yaml:"PhCalibrationDataPath"`
	ShouldInitiallyEnsureCorrectPHBeforeStarting       bool    `yaml:"ShouldInitiallyEnsureCorrectPHBeforeStarting"`
	IncreasedPumpFactorWhenPerformingInitialCorrection int     `yaml:"IncreasedPumpFactorWhenPerformingInitialCorrection"`
	AdaptivePumpingActivateAfterNHours                 float64 `yaml:"AdaptivePumpingActivateAfterNHours"`
}

// Email is the optional operator-notification section of config.yml.
type Email struct {
	ShouldSendEmail   bool   `yaml:"ShouldSendEmail"`
	EmailSettingsFile string `yaml:"EmailSettingsFile"`
}

// Networking is the optional broker-transport logging section.
type Networking struct {
	ShouldPrintSendRecieveMessages bool `yaml:"ShouldPrintSendRecieveMessages"`
}

// Config is the full contents of config.yml.
type Config struct {
	ProtocolPath        string     `yaml:"protocol_path"`
	CalibrationDataPath string     `yaml:"calibration_data_path"`
	PHMeter             PHMeter    `yaml:"phmeter"`
	Pumps               Pumps      `yaml:"pumps"`
	Scheduler           Scheduler  `yaml:"scheduler"`
	Email               *Email     `yaml:"email,omitempty"`
	Networking          Networking `yaml:"networking"`
}

// Load reads and parses config.yml at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes the config back to path, so edits made through the CLI (a
// newly adopted protocol_path, most commonly) survive the process.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
