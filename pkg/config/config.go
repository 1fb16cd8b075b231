/*
Copyright 2024 The MotionLake Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config reads the process's environment into a typed Env, the
// way Perkeep's app helpers (camlistore.org/pkg/app) read CAMLI_* vars
// directly with os.Getenv rather than a config file. Every name here
// matches spec.md §6's configuration table verbatim.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// IOManager selects the Blob Store backend.
type IOManager string

const (
	IOManagerFileSystem IOManager = "file_system"
	IOManagerAzureBlob  IOManager = "azure_blob"
)

// Env is the process configuration, sourced entirely from environment
// variables (spec.md §6).
type Env struct {
	DBURL     string
	IOManager IOManager

	StoragePath string

	AzureStorageConnectionString string
	AzureStorageContainerName    string

	Compression      string
	CompressionLevel int

	// BufferSizeBytes is BUFFER_SIZE converted from MB to bytes.
	BufferSizeBytes int64

	ListenAddr string
}

// defaultBufferSizeMB is BUFFER_SIZE's default (spec.md §6).
const defaultBufferSizeMB = 6

// Load reads Env from the process environment, applying spec.md §6's
// defaults for anything unset.
func Load() (*Env, error) {
	e := &Env{
		DBURL:                        os.Getenv("DB_URL"),
		IOManager:                    IOManager(getenvDefault("IO_MANAGER", string(IOManagerFileSystem))),
		StoragePath:                  getenvDefault("STORAGE_PATH", "./data"),
		AzureStorageConnectionString: os.Getenv("AZURE_STORAGE_CONNECTION_STRING"),
		AzureStorageContainerName:    os.Getenv("AZURE_STORAGE_CONTAINER_NAME"),
		Compression:                  getenvDefault("COMPRESSION", "gzip"),
		ListenAddr:                   getenvDefault("LISTEN_ADDR", ":8080"),
	}

	if e.DBURL == "" {
		return nil, fmt.Errorf("config: DB_URL is required")
	}

	if v := os.Getenv("COMPRESSION_LEVEL"); v != "" {
		level, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: COMPRESSION_LEVEL: %w", err)
		}
		e.CompressionLevel = level
	}

	bufferMB := defaultBufferSizeMB
	if v := os.Getenv("BUFFER_SIZE"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: BUFFER_SIZE: %w", err)
		}
		bufferMB = parsed
	}
	e.BufferSizeBytes = int64(bufferMB) * 1024 * 1024

	switch e.IOManager {
	case IOManagerFileSystem, IOManagerAzureBlob:
	default:
		return nil, fmt.Errorf("config: IO_MANAGER must be %q or %q, got %q", IOManagerFileSystem, IOManagerAzureBlob, e.IOManager)
	}
	if e.IOManager == IOManagerAzureBlob {
		if e.AzureStorageConnectionString == "" || e.AzureStorageContainerName == "" {
			return nil, fmt.Errorf("config: IO_MANAGER=azure_blob requires AZURE_STORAGE_CONNECTION_STRING and AZURE_STORAGE_CONTAINER_NAME")
		}
	}

	return e, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
