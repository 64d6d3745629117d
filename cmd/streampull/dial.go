package main

import (
	"crypto/tls"
	"fmt"
	"math"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/rmacdonaldsmith/streampull-go/internal/auth"
)

const (
	emulatorHostEnv   = "PUBSUB_EMULATOR_HOST"
	keepaliveInterval = 30 * time.Second
)

// dial is replaced in tests.
var dial = func(cfg *Config) (grpc.ClientConnInterface, func() error, error) {
	target, opts, err := dialOptions(cfg)
	if err != nil {
		return nil, nil, err
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	return conn, conn.Close, nil
}

// dialOptions picks the target and channel options. The emulator host, when
// set, wins over the configured endpoint and disables TLS.
func dialOptions(cfg *Config) (string, []grpc.DialOption, error) {
	target := cfg.Endpoint
	emulator := os.Getenv(emulatorHostEnv)
	if emulator != "" {
		target = emulator
	}
	if target == "" {
		return "", nil, fmt.Errorf("no endpoint configured and %s is unset", emulatorHostEnv)
	}

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: keepaliveInterval}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(math.MaxInt32),
			grpc.MaxCallSendMsgSize(math.MaxInt32),
		),
	}
	if emulator != "" {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	}

	if cfg.Secret != "" {
		signer, err := auth.NewSigner(cfg.Secret, 0)
		if err != nil {
			return "", nil, err
		}
		opts = append(opts, grpc.WithPerRPCCredentials(
			auth.NewCredentials(signer, cfg.ClientID, cfg.Subscription, emulator != "")))
	}
	return target, opts, nil
}
