/*
 * Copyright (c) 2022 Cisco and/or its affiliates.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at:
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package config
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Cfg holds the configuration data for the msm-rtsp server application
type Cfg struct {
	ConfigFile  string
	RtspAddr    string
	MetricsAddr string
	Framework   string
	Logger      *logrus.Logger
	Grpc        *grpcOpts
	File        *FileConfig
}

type grpcOpts struct {
	Port string
}

// New initializes the configuration from the command line and the
// configuration file it names. It exits the process on bad input.
func New() *Cfg {
	cfg, err := Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}
	return cfg
}

// Parse builds the configuration from args
func Parse(args []string) (*Cfg, error) {
	cf := new(Cfg)
	grpcOpt := new(grpcOpts)

	fs := flag.NewFlagSet("msm-rtsp", flag.ContinueOnError)
	fs.StringVar(&cf.ConfigFile, "config", "", "path to the YAML configuration file")
	fs.StringVar(&cf.RtspAddr, "rtspAddr", ":8554", "address to listen for RTSP on")
	fs.StringVar(&grpcOpt.Port, "grpcPort", "9000", "port to listen for GRPC on")
	fs.StringVar(&cf.MetricsAddr, "metricsAddr", ":9090", "address to serve /metrics on, empty disables")
	fs.StringVar(&cf.Framework, "framework", "", "media framework (gst, simulated), overrides the file")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cf.Logger = logrus.New()
	cf.Logger.SetOutput(os.Stdout)
	setLogLvl(cf.Logger)
	setLogType(cf.Logger)

	file := Default()
	if cf.ConfigFile != "" {
		var err error
		if file, err = Load(cf.ConfigFile); err != nil {
			return nil, err
		}
	}
	if cf.Framework != "" {
		file.Framework = cf.Framework
		if err := file.Validate(); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return &Cfg{
		ConfigFile:  cf.ConfigFile,
		RtspAddr:    cf.RtspAddr,
		MetricsAddr: cf.MetricsAddr,
		Framework:   file.Framework,
		Logger:      cf.Logger,
		Grpc: &grpcOpts{
			Port: grpcOpt.Port,
		},
		File: file,
	}, nil
}

// sets the log level of the logger
func setLogLvl(l *logrus.Logger) {
	logLevel := os.Getenv("LOG_LEVEL")

	switch logLevel {
	case "DEBUG":
		l.SetLevel(logrus.DebugLevel)
	case "WARN":
		l.SetLevel(logrus.WarnLevel)
	case "INFO":
		l.SetLevel(logrus.InfoLevel)
	case "ERROR":
		l.SetLevel(logrus.ErrorLevel)
	case "TRACE":
		l.SetLevel(logrus.TraceLevel)
	case "FATAL":
		l.SetLevel(logrus.FatalLevel)
	default:
		l.SetLevel(logrus.DebugLevel)
	}
}

// sets the log type of the logger
func setLogType(l *logrus.Logger) {
	logType := os.Getenv("LOG_TYPE")

	switch strings.ToLower(logType) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{
			PrettyPrint: true,
		})
	default:
		l.SetFormatter(&logrus.TextFormatter{
			ForceColors:     true,
			DisableColors:   false,
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
}
