package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Port struct {
	Path string
	Baud int
}

type Capture struct {
	Enabled    bool
	File       string
	Timestamps bool
}

type Replay struct {
	Enabled bool
	File    string
	Fast    bool
}

type Web struct {
	Listen   string
	Interval uint16 // snapshot push period in milliseconds
}

type Configuration struct {
	Port    Port
	Capture Capture
	Replay  Replay
	Web     Web

	// Dummy runs the monitor without any hardware attached
	Dummy bool
}

func NewConfig() (*Configuration, error) {
	config := Configuration{}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName(".loconet")
	v.AddConfigPath("$HOME/")
	v.AddConfigPath(".")
	_ = v.SafeWriteConfig()

	v.SetDefault("port.path", "/dev/ttyUSB0")
	v.SetDefault("port.baud", 57600)
	v.SetDefault("capture.enabled", false)
	v.SetDefault("capture.file", "loconet.capture")
	v.SetDefault("capture.timestamps", true)
	v.SetDefault("replay.enabled", false)
	v.SetDefault("replay.file", "loconet.capture")
	v.SetDefault("replay.fast", false)
	v.SetDefault("web.listen", "localhost:8766")
	v.SetDefault("web.interval", 500)
	v.SetDefault("dummy", false)

	if err := v.ReadInConfig(); err != nil {
		// the config file is fully optional
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return &Configuration{}, fmt.Errorf("cannot parse config: %s", err.Error())
		}
	}
	if err := v.Unmarshal(&config); err != nil {
		return &config, fmt.Errorf("cannot parse config: %s", err.Error())
	}

	return &config, nil
}
