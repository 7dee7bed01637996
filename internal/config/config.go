package config

import (
	"encoding/base64"
	"fmt"
	"time"
)

type Config struct {
	ServerAddr         string
	MongoURI           string
	DatabaseName       string
	SigningKey         []byte
	AllowedOrigins     []string
	CheckpointInterval time.Duration
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, mongoURI, dbName, base64Secret string, allowedOrigins []string, checkpointInterval time.Duration) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if mongoURI == "" {
		return nil, fmt.Errorf("mongo URI cannot be empty")
	}
	if dbName == "" {
		return nil, fmt.Errorf("database name cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	if checkpointInterval <= 0 {
		return nil, fmt.Errorf("checkpoint interval must be positive")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr:         serverAddr,
		MongoURI:           mongoURI,
		DatabaseName:       dbName,
		SigningKey:         signingKey,
		AllowedOrigins:     allowedOrigins,
		CheckpointInterval: checkpointInterval,
	}, nil
}
