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

// The mailsync command keeps a local cache of a Gmail mailbox and its
// contacts, and serves it to an interactive client over a unix socket.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/matta/mailsync/internal/config"
	"github.com/matta/mailsync/internal/credential"
	"github.com/matta/mailsync/internal/framing"
	"github.com/matta/mailsync/internal/gmail"
	"github.com/matta/mailsync/internal/handle"
	"github.com/matta/mailsync/internal/people"
	"github.com/matta/mailsync/internal/persist"
	"github.com/matta/mailsync/internal/pool"
	"github.com/matta/mailsync/internal/router"
	"github.com/matta/mailsync/internal/sync"
	"github.com/matta/mailsync/internal/tracehttp"
	"github.com/matta/mailsync/internal/worker"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	flagTrace   bool
	flagConfig  string
	flagEnv     string
	flagDataDir string
)

var scopes = map[string]string{
	credential.FamilyGmail:  gmail.ModifyScope,
	credential.FamilyPeople: people.ContactsScope,
}

func loadConfig() (*config.Config, error) {
	if flagDataDir != "" {
		os.Setenv("MAILSYNC_DATA_DIR", flagDataDir)
	}
	cfg, err := config.Load(flagConfig, flagEnv)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load configuration")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, errors.Wrap(err, "unable to create data directory")
	}
	return cfg, nil
}

func openDB(ctx context.Context, cfg *config.Config) (*persist.DB, error) {
	db, err := persist.Open(ctx, cfg.Database, cfg.MaxDBConns)
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize database")
	}
	return db, nil
}

func newEngine(db *persist.DB, cfg *config.Config) *sync.Engine {
	e := sync.New(db)
	e.RestartWindow = cfg.RestartWindow
	e.ResumeWindow = cfg.ResumeWindow
	e.MaxListPages = cfg.MaxListPages
	e.MaxHistoryPages = cfg.MaxHistoryPages
	return e
}

// newFactory authorizes both API families from the stored token.
func newFactory(cfg *config.Config) (*handle.Factory, error) {
	tokens := credential.New()
	for family, scope := range scopes {
		creds, tok, err := cfg.Credentials(scope)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to authorize %s", family)
		}
		tokens.SetCredentials(family, creds)
		tokens.Seed(family, tok)
	}
	var base http.RoundTripper = http.DefaultTransport
	if flagTrace {
		base = tracehttp.Wrap(base)
	}
	return handle.NewFactory(handle.Options{
		Tokens:         tokens,
		Base:           base,
		APIKey:         cfg.APIKey,
		GmailEndpoint:  cfg.Endpoints.Gmail,
		BatchEndpoint:  cfg.Endpoints.Batch,
		PeopleEndpoint: cfg.Endpoints.People,
	}), nil
}

// listen accepts a single client on the configured socket.
func listen(ctx context.Context, path string) (net.Conn, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "removing stale socket")
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to listen")
	}
	defer l.Close()
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	log.Printf("listening on %s", path)
	conn, err := l.Accept()
	if err != nil {
		return nil, errors.Wrap(err, "unable to accept client")
	}
	return conn, nil
}

func serve(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	f, err := newFactory(cfg)
	if err != nil {
		return err
	}
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	// Serve closes db.

	mail := pool.New(f.Func(credential.FamilyGmail), cfg.HandleSeed)
	contacts := pool.New(f.Func(credential.FamilyPeople), cfg.HandleSeed)
	for _, p := range []*router.HandlePool{mail, contacts} {
		if err := p.Fill(ctx); err != nil {
			db.Close()
			return errors.Wrap(err, "unable to create API handles")
		}
	}
	r := router.New(router.Config{
		DB:       db,
		Sync:     newEngine(db, cfg),
		Mail:     mail,
		Contacts: contacts,
	})

	conn, err := listen(ctx, cfg.Socket)
	if err != nil {
		db.Close()
		return err
	}
	return worker.Serve(ctx, framing.NewConn(conn), r, db)
}

func syncOnce(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	f, err := newFactory(cfg)
	if err != nil {
		return err
	}
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	e := newEngine(db, cfg)
	mail, err := f.New(ctx, credential.FamilyGmail)
	if err != nil {
		return errors.Wrap(err, "unable to initialize Gmail")
	}
	if err := e.Sync(ctx, mail.Mail); err != nil {
		return errors.Wrap(err, "unable to synchronize mail")
	}
	contacts, err := f.New(ctx, credential.FamilyPeople)
	if err != nil {
		return errors.Wrap(err, "unable to initialize People")
	}
	cs, err := e.SyncContacts(ctx, contacts.Contacts)
	if err != nil {
		return errors.Wrap(err, "unable to synchronize contacts")
	}
	info, err := e.AppInfo(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("history %d, %d contacts\n", info.LatestHistoryID, len(cs))
	return nil
}

func checkpoint(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Checkpoint(ctx)
}

func restore() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return persist.RestoreSafetyCopy(cfg.Database)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mailsync",
		Short:         "Synchronize a Gmail mailbox and contacts into a local cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.BoolVarP(&flagTrace, "trace", "T", false, "request debug tracing")
	pf.StringVar(&flagConfig, "config", "", "configuration file (default "+config.DefaultPath()+")")
	pf.StringVar(&flagEnv, "env", "", "environment file (default .env)")
	pf.StringVar(&flagDataDir, "data-dir", "", "data directory (default "+config.DefaultDataDir()+")")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve one client over the unix socket",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "sync",
			Short: "Run one short or full sync and a contacts sync",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return syncOnce(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "checkpoint",
			Short: "Write a safety copy of the cache",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return checkpoint(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "restore",
			Short: "Replace the cache with its safety copy",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return restore()
			},
		},
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		log.Fatalf("Failed: %v\n", err)
	}
}
