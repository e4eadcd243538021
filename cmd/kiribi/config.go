package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"github.com/opd-ai/kiribi/crypto"
	"github.com/opd-ai/kiribi/lookup"
	"github.com/opd-ai/kiribi/natt"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the optional YAML configuration file.
type Config struct {
	LogLevel string       `yaml:"log_level"`
	KeyFile  string       `yaml:"key_file"`
	NATT     ServerConfig `yaml:"natt"`
	Lookup   ServerConfig `yaml:"lookup"`
}

// ServerConfig configures one server role.
type ServerConfig struct {
	Listen   string `yaml:"listen"`
	Capacity int    `yaml:"capacity"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		KeyFile:  "kiribi.key",
		NATT: ServerConfig{
			Listen:   fmt.Sprintf("0.0.0.0:%d", natt.DefaultServerPort),
			Capacity: 65536,
		},
		Lookup: ServerConfig{
			Listen:   fmt.Sprintf("0.0.0.0:%d", lookup.DefaultServerPort),
			Capacity: 65536,
		},
	}
}

// LoadConfig reads path over the defaults. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// keyFile is the on-disk form of a node key.
type keyFile struct {
	Address string `yaml:"address"`
	Secret  string `yaml:"secret"`
}

func saveKey(path string, kp *crypto.KeyPair) error {
	data, err := yaml.Marshal(&keyFile{
		Address: kp.Address().String(),
		Secret:  base64.StdEncoding.EncodeToString(kp.Private[:]),
	})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func loadKey(path string) (*crypto.KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var kf keyFile
	if err := yaml.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	secret, err := base64.StdEncoding.DecodeString(kf.Secret)
	if err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}
	if len(secret) != 32 {
		return nil, fmt.Errorf("secret key is %d bytes, want 32", len(secret))
	}
	var sk [32]byte
	copy(sk[:], secret)
	crypto.ZeroBytes(secret)
	kp, err := crypto.FromSecretKey(sk)
	crypto.ZeroBytes(sk[:])
	return kp, err
}

// wipeKey erases the private key once the command no longer needs it.
func wipeKey(kp *crypto.KeyPair) {
	if err := crypto.WipeKeyPair(kp); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "wipeKey",
			"error":    err.Error(),
		}).Warn("Failed to wipe key pair")
	}
}
