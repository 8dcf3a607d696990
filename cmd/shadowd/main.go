// SPDX-FileCopyrightText: Copyright (C) 2025 The Shadow Protocol Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/katzenpost/hpqc/nike"
	nikepem "github.com/katzenpost/hpqc/nike/pem"
	"github.com/katzenpost/hpqc/sign"
	signpem "github.com/katzenpost/hpqc/sign/pem"

	"github.com/DaviRain-Su/shadow-protocol/core/envelope"
	"github.com/DaviRain-Su/shadow-protocol/core/log"
	"github.com/DaviRain-Su/shadow-protocol/incentive"
	"github.com/DaviRain-Su/shadow-protocol/node"
	"github.com/DaviRain-Su/shadow-protocol/node/config"
)

func main() {
	cfgFile := flag.String("f", "shadowd.toml", "Path to the node config file.")
	genOnly := flag.Bool("g", false, "Generate the keys and exit immediately.")
	flag.Parse()

	syscall.Umask(0077)

	cfg, err := config.LoadFile(*cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config file '%v': %v\n", *cfgFile, err)
		os.Exit(-1)
	}
	if err := os.MkdirAll(cfg.Node.DataDir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create data dir: %v\n", err)
		os.Exit(-1)
	}

	privKey, err := loadOrGenerateNodeKey(cfg.Node.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize node key: %v\n", err)
		os.Exit(-1)
	}
	signKey, err := loadOrGenerateSigningKey(cfg.Node.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize signing key: %v\n", err)
		os.Exit(-1)
	}
	if *genOnly {
		os.Exit(0)
	}

	logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(-1)
	}

	store, err := incentive.OpenStore(filepath.Join(cfg.Node.DataDir, "earnings.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open earnings store: %v\n", err)
		os.Exit(-1)
	}
	defer store.Close()

	n, err := node.New(&node.Config{
		Address:        cfg.Node.Address,
		PrivateKey:     privKey,
		SigningKey:     signKey,
		Fees:           cfg.Fees.LedgerConfig(),
		Directory:      cfg.Directory.DirectoryConfig(),
		Router:         cfg.Router.RouterConfig(),
		MaxMessageSize: cfg.Node.MaxMessageSize,
		MaxAge:         cfg.Node.MaxAge(),
		Store:          store,
		LogBackend:     logBackend,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create node: %v\n", err)
		os.Exit(-1)
	}
	if err := n.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start node: %v\n", err)
		os.Exit(-1)
	}
	defer n.Shutdown()

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	for {
		select {
		case <-haltCh:
			return
		case <-rotateCh:
			if err := logBackend.Rotate(); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to rotate log: %v\n", err)
			}
		}
	}
}

func loadOrGenerateNodeKey(dataDir string) (nike.PrivateKey, error) {
	scheme := envelope.NIKEScheme
	privFile := filepath.Join(dataDir, "node.private.pem")
	pubFile := filepath.Join(dataDir, "node.public.pem")

	if fileExists(privFile) && fileExists(pubFile) {
		return nikepem.FromPrivatePEMFile(privFile, scheme)
	}
	if fileExists(privFile) || fileExists(pubFile) {
		return nil, fmt.Errorf("%s and %s must either both exist or not exist", privFile, pubFile)
	}
	pub, priv, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := nikepem.PrivateKeyToFile(privFile, priv, scheme); err != nil {
		return nil, err
	}
	if err := nikepem.PublicKeyToFile(pubFile, pub, scheme); err != nil {
		return nil, err
	}
	return priv, nil
}

func loadOrGenerateSigningKey(dataDir string) (sign.PrivateKey, error) {
	scheme := envelope.SignatureScheme
	privFile := filepath.Join(dataDir, "signing.private.pem")
	pubFile := filepath.Join(dataDir, "signing.public.pem")

	if fileExists(privFile) && fileExists(pubFile) {
		return signpem.FromPrivatePEMFile(privFile, scheme)
	}
	if fileExists(privFile) || fileExists(pubFile) {
		return nil, fmt.Errorf("%s and %s must either both exist or not exist", privFile, pubFile)
	}
	pub, priv, err := scheme.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := signpem.PrivateKeyToFile(privFile, priv); err != nil {
		return nil, err
	}
	if err := signpem.PublicKeyToFile(pubFile, pub); err != nil {
		return nil, err
	}
	return priv, nil
}

func fileExists(f string) bool {
	_, err := os.Stat(f)
	return err == nil
}
