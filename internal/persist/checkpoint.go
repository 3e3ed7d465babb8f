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

package persist

import (
	"context"
	"io"
	"log"
	"os"

	"github.com/pkg/errors"
)

// SafetyCopyPath returns the name of the safety copy of the database
// at path.
func SafetyCopyPath(path string) string {
	return path + ".bak"
}

// Checkpoint flushes the write-ahead log into the database file and
// then copies the file byte for byte to its safety copy.  Writers wait
// until it is done.
func (db *DB) Checkpoint(ctx context.Context) error {
	db.gate.Lock()
	defer db.gate.Unlock()

	var busy, logFrames, checkpointed int
	err := db.withConn(ctx, func(c *Conn) error {
		return c.QueryRowxContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`).Scan(&busy, &logFrames, &checkpointed)
	})
	if err != nil {
		return errors.Wrap(err, "checkpointing write-ahead log")
	}
	if busy != 0 {
		return errors.New("checkpoint could not complete: database busy")
	}
	if err := copyFile(db.path, SafetyCopyPath(db.path)); err != nil {
		return errors.Wrap(err, "writing safety copy")
	}
	log.Printf("wrote safety copy of %q", db.path)
	return nil
}

// RestoreSafetyCopy replaces the database at path with its safety
// copy.  The database must not be open.
func RestoreSafetyCopy(path string) error {
	if err := copyFile(SafetyCopyPath(path), path); err != nil {
		return errors.Wrap(err, "restoring safety copy")
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "removing stale write-ahead log")
		}
	}
	log.Printf("restored %q from its safety copy", path)
	return nil
}

// copyFile writes a copy of src to dst through a temporary file, so
// dst is never left half written.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
