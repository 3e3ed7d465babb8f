// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package config loads the program's settings.

Settings come from, in increasing precedence: built in defaults, a YAML
file, a .env file, and MAILSYNC_* environment variables.  Relative
paths are taken relative to the data directory.
*/
package config

import (
	"encoding/json"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/matta/mailsync/internal/credential"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"gopkg.in/yaml.v3"
)

const envPrefix = "MAILSYNC_"

// Endpoints override the Google API endpoints, for testing against
// fakes.
type Endpoints struct {
	Gmail  string `yaml:"gmail"`
	Batch  string `yaml:"batch"`
	People string `yaml:"people"`
}

type Config struct {
	DataDir      string `yaml:"data_dir"`
	Database     string `yaml:"database"`
	Socket       string `yaml:"socket"`
	ClientSecret string `yaml:"client_secret"`
	TokenFile    string `yaml:"token_file"`
	APIKey       string `yaml:"api_key"`

	// API handles created per family at startup.
	HandleSeed int `yaml:"handle_seed"`

	// Ceiling on open cache connections.
	MaxDBConns int `yaml:"max_db_conns"`

	RestartWindow   time.Duration `yaml:"restart_window"`
	ResumeWindow    time.Duration `yaml:"resume_window"`
	MaxListPages    int           `yaml:"max_list_pages"`
	MaxHistoryPages int           `yaml:"max_history_pages"`

	Endpoints Endpoints `yaml:"endpoints"`
}

// homeDir returns the current user's home directory.
func homeDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return "."
}

// DefaultDataDir is $XDG_DATA_HOME/mailsync, or ~/.mailsync.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "mailsync")
	}
	return filepath.Join(homeDir(), ".mailsync")
}

// DefaultPath is the config file read when none is named.
func DefaultPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "mailsync", "config.yaml")
	}
	return filepath.Join(homeDir(), ".config", "mailsync", "config.yaml")
}

func Default() *Config {
	return &Config{
		Database:        "mailsync.db",
		Socket:          "mailsync.sock",
		ClientSecret:    "client_secret.json",
		TokenFile:       "token.json",
		HandleSeed:      2,
		MaxDBConns:      4,
		RestartWindow:   30 * 24 * time.Hour,
		ResumeWindow:    7 * 24 * time.Hour,
		MaxListPages:    100,
		MaxHistoryPages: 50,
	}
}

// Load reads the settings.  A missing file at path is not an error
// unless path was given explicitly; likewise for envFile, which
// defaults to ".env".
func Load(path, envFile string) (*Config, error) {
	c := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", path)
		}
	case explicit || !os.IsNotExist(err):
		return nil, errors.Wrap(err, "reading config")
	}

	dotenv := map[string]string{}
	explicit = envFile != ""
	if !explicit {
		envFile = ".env"
	}
	if m, err := godotenv.Read(envFile); err == nil {
		dotenv = m
	} else if explicit || !os.IsNotExist(errors.Cause(err)) {
		return nil, errors.Wrapf(err, "reading %s", envFile)
	}
	if err := c.override(dotenv); err != nil {
		return nil, err
	}

	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	for _, p := range []*string{&c.Database, &c.Socket, &c.ClientSecret, &c.TokenFile} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(c.DataDir, *p)
		}
	}
	return c, c.validate()
}

// override applies MAILSYNC_* variables from the environment, or
// failing that from dotenv.
func (c *Config) override(dotenv map[string]string) error {
	lookup := func(key string) (string, bool) {
		key = envPrefix + key
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	strs := map[string]*string{
		"DATA_DIR":        &c.DataDir,
		"DATABASE":        &c.Database,
		"SOCKET":          &c.Socket,
		"CLIENT_SECRET":   &c.ClientSecret,
		"TOKEN_FILE":      &c.TokenFile,
		"API_KEY":         &c.APIKey,
		"GMAIL_ENDPOINT":  &c.Endpoints.Gmail,
		"BATCH_ENDPOINT":  &c.Endpoints.Batch,
		"PEOPLE_ENDPOINT": &c.Endpoints.People,
	}
	for k, p := range strs {
		if v, ok := lookup(k); ok {
			*p = v
		}
	}
	ints := map[string]*int{
		"HANDLE_SEED":       &c.HandleSeed,
		"MAX_DB_CONNS":      &c.MaxDBConns,
		"MAX_LIST_PAGES":    &c.MaxListPages,
		"MAX_HISTORY_PAGES": &c.MaxHistoryPages,
	}
	for k, p := range ints {
		if v, ok := lookup(k); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return errors.Wrapf(err, "%s%s", envPrefix, k)
			}
			*p = n
		}
	}
	return nil
}

func (c *Config) validate() error {
	if c.MaxDBConns < 1 {
		return errors.Errorf("max_db_conns must be at least 1, got %d", c.MaxDBConns)
	}
	if c.HandleSeed < 0 {
		return errors.Errorf("handle_seed must not be negative, got %d", c.HandleSeed)
	}
	if c.RestartWindow <= 0 || c.ResumeWindow <= 0 {
		return errors.New("full sync windows must be positive")
	}
	return nil
}

// OAuth reads the OAuth client from the client secret file downloaded
// from the Google Cloud console.
func (c *Config) OAuth(scopes ...string) (*oauth2.Config, error) {
	b, err := os.ReadFile(c.ClientSecret)
	if err != nil {
		return nil, errors.Wrap(err, "reading OAuth client secret")
	}
	oc, err := google.ConfigFromJSON(b, scopes...)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", c.ClientSecret)
	}
	return oc, nil
}

// Token reads the token stored by the consent flow.
func (c *Config) Token() (*oauth2.Token, error) {
	b, err := os.ReadFile(c.TokenFile)
	if err != nil {
		return nil, errors.Wrap(err, "reading OAuth token")
	}
	var tok oauth2.Token
	if err := json.Unmarshal(b, &tok); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", c.TokenFile)
	}
	if tok.RefreshToken == "" {
		return nil, errors.Errorf("%s holds no refresh token", c.TokenFile)
	}
	return &tok, nil
}

// Credentials combines the OAuth client and stored token for one API
// family.
func (c *Config) Credentials(scopes ...string) (credential.Credentials, *oauth2.Token, error) {
	oc, err := c.OAuth(scopes...)
	if err != nil {
		return credential.Credentials{}, nil, err
	}
	tok, err := c.Token()
	if err != nil {
		return credential.Credentials{}, nil, err
	}
	return credential.Credentials{Config: oc, RefreshToken: tok.RefreshToken}, tok, nil
}
