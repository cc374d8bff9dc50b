package main

import (
	"errors"
	"path/filepath"
	"time"

	"github.com/albinoxes/betl-vision-solution/internal/httpapi"
)

type Config struct {
	Port                      int    `json:"Port" toml:"Port"`
	ReadTimeoutSeconds        int    `json:"ReadTimeout" toml:"ReadTimeout"`
	MaxHeaderBytes            int    `json:"MaxHeaderBytes" toml:"MaxHeaderBytes"`
	DatabasePath              string `json:"DatabasePath" toml:"DatabasePath"`
	FramesFolder              string `json:"FramesFolder" toml:"FramesFolder"`
	CSVFolder                 string `json:"CSVFolder" toml:"CSVFolder"`
	LogFolder                 string `json:"LogFolder" toml:"LogFolder"`
	LogFileSizeMb             int    `json:"LogFileSizeMb" toml:"LogFileSizeMb"`
	LogFileNum                int    `json:"LogFileNum" toml:"LogFileNum"`
	WebcamURL                 string `json:"WebcamURL" toml:"WebcamURL"`
	LegacyURL                 string `json:"LegacyURL" toml:"LegacyURL"`
	SimulatorURL              string `json:"SimulatorURL" toml:"SimulatorURL"`
	DeviceQueryTimeoutSeconds int    `json:"DeviceQueryTimeout" toml:"DeviceQueryTimeout"`
	InferenceTimeoutSeconds   int    `json:"InferenceTimeout" toml:"InferenceTimeout"`
	StopGraceSeconds          int    `json:"StopGrace" toml:"StopGrace"`
	Debug                     bool   `json:"Debug" toml:"Debug"`
}

func (config *Config) Check(configPath string) error {
	if config.Port < 1024 || config.Port > 65535 {
		config.Port = 8000
	}
	if config.ReadTimeoutSeconds < 1 {
		config.ReadTimeoutSeconds = 5
	}
	if config.MaxHeaderBytes < 4096 {
		config.MaxHeaderBytes = 1 << 20
	}
	configDir := filepath.Dir(configPath)
	if config.DatabasePath == "" {
		config.DatabasePath = filepath.Join(configDir, "aggregator.db")
	}
	if config.FramesFolder == "" {
		config.FramesFolder = filepath.Join(configDir, "frames")
	}
	if config.CSVFolder == "" {
		config.CSVFolder = filepath.Join(configDir, "csv")
	}
	if config.LogFolder == "" {
		config.LogFolder = filepath.Join(configDir, "logs")
	}
	if config.LogFileSizeMb < 1 {
		config.LogFileSizeMb = 100
	}
	if config.LogFileNum < 1 {
		config.LogFileNum = 10
	}
	if config.WebcamURL == "" && config.LegacyURL == "" && config.SimulatorURL == "" {
		return errors.New("at least one of WebcamURL, LegacyURL, SimulatorURL is required")
	}
	if config.DeviceQueryTimeoutSeconds < 1 {
		config.DeviceQueryTimeoutSeconds = 3
	}
	if config.InferenceTimeoutSeconds < 1 {
		config.InferenceTimeoutSeconds = 30
	}
	if config.StopGraceSeconds < 1 {
		config.StopGraceSeconds = 30
	}
	return nil
}

// Upstreams builds the source-server list in a fixed order.
func (config Config) Upstreams() []httpapi.Upstream {
	var upstreams []httpapi.Upstream
	if config.WebcamURL != "" {
		upstreams = append(upstreams, httpapi.Upstream{Kind: "webcam", BaseURL: config.WebcamURL})
	}
	if config.LegacyURL != "" {
		upstreams = append(upstreams, httpapi.Upstream{Kind: "legacy", BaseURL: config.LegacyURL})
	}
	if config.SimulatorURL != "" {
		upstreams = append(upstreams, httpapi.Upstream{Kind: "simulator", BaseURL: config.SimulatorURL})
	}
	return upstreams
}

func (config Config) DeviceQueryTimeout() time.Duration {
	return time.Duration(config.DeviceQueryTimeoutSeconds) * time.Second
}
