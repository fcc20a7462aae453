// Package backup keeps an encrypted snapshot of the catalogue database on
// the remote channel, so a fresh device (or a wiped one) can recover the
// full namespace. Snapshots are tagged with the catalogue version and
// uploads are debounced so mutation bursts cost one upload.
package backup

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/marmos91/chatvault/internal/logger"
	"github.com/marmos91/chatvault/pkg/catalog"
	"github.com/marmos91/chatvault/pkg/crypto"
	"github.com/marmos91/chatvault/pkg/remote"
)

// CaptionPrefix tags catalogue snapshot messages so they can be found by
// caption search.
const CaptionPrefix = "#catalogue_backup"

// DebounceDelay is how long after the last catalogue change the snapshot
// upload fires.
const DebounceDelay = 2 * time.Second

// snapshotEntryName is the file name inside the snapshot archive.
const snapshotEntryName = "catalog.db"

// syncTimeout bounds one snapshot upload.
const syncTimeout = 2 * time.Minute

// Caption formats the snapshot caption for a catalogue version.
func Caption(version int64) string {
	return fmt.Sprintf("%s db_version:%d", CaptionPrefix, version)
}

// ParseCaption extracts the catalogue version from a snapshot caption.
func ParseCaption(caption string) (int64, bool) {
	if !strings.HasPrefix(caption, CaptionPrefix) {
		return 0, false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(caption, CaptionPrefix))
	const marker = "db_version:"
	if !strings.HasPrefix(rest, marker) {
		return 0, false
	}
	v, err := strconv.ParseInt(strings.TrimPrefix(rest, marker), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Syncer uploads catalogue snapshots. One Syncer exists per process; its
// internal mutex serializes snapshot uploads so overlapping debounce
// fires cannot race.
type Syncer struct {
	cat       *catalog.Store
	channel   remote.Channel
	channelID int64
	key       []byte

	syncMu     sync.Mutex
	lastSynced int64

	timerMu sync.Mutex
	timer   *time.Timer
	closed  bool
}

// NewSyncer creates a snapshot syncer. key is the user key; snapshots are
// encrypted with it before upload.
func NewSyncer(cat *catalog.Store, channel remote.Channel, channelID int64, key []byte) *Syncer {
	return &Syncer{
		cat:        cat,
		channel:    channel,
		channelID:  channelID,
		key:        key,
		lastSynced: -1,
	}
}

// NotifyChange schedules a snapshot upload DebounceDelay from now,
// postponing any already scheduled upload. Cheap to call per mutation.
func (s *Syncer) NotifyChange() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.closed {
		return
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(DebounceDelay, s.fire)
		return
	}
	s.timer.Reset(DebounceDelay)
}

func (s *Syncer) fire() {
	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()
	if err := s.SyncNow(ctx); err != nil {
		logger.Error("catalogue snapshot upload failed", logger.KeyError, err.Error())
	}
}

// SyncNow uploads a snapshot of the current catalogue immediately,
// skipping the upload when the version has not moved since the last one.
// Superseded snapshot messages are deleted after the new one is
// confirmed.
func (s *Syncer) SyncNow(ctx context.Context) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	version, err := s.cat.Version(ctx)
	if err != nil {
		return err
	}
	if version == s.lastSynced {
		return nil
	}

	blob, err := s.packSnapshot(ctx)
	if err != nil {
		return err
	}

	msgID, err := s.channel.SendBlob(ctx, s.channelID, blob, Caption(version))
	if err != nil {
		return fmt.Errorf("failed to upload snapshot: %w", err)
	}
	s.lastSynced = version

	logger.Info("catalogue snapshot uploaded",
		logger.KeyVersion, version,
		logger.KeyMessageID, msgID,
		logger.KeySize, int64(len(blob)))

	// Old snapshots are garbage once the new one is durable.
	if err := s.deleteSuperseded(ctx, msgID); err != nil {
		logger.Warn("failed to delete old snapshots", logger.KeyError, err.Error())
	}
	return nil
}

// packSnapshot produces the encrypted zip of the catalogue database.
func (s *Syncer) packSnapshot(ctx context.Context) ([]byte, error) {
	tmpDir, err := os.MkdirTemp("", "chatvault-snapshot-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)

	snapPath := filepath.Join(tmpDir, snapshotEntryName)
	if err := s.cat.Snapshot(ctx, snapPath); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(snapshotEntryName)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(snapPath)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(w, f); err != nil {
		f.Close()
		return nil, err
	}
	f.Close()
	if err := zw.Close(); err != nil {
		return nil, err
	}

	return crypto.Encrypt(buf.Bytes(), s.key)
}

func (s *Syncer) deleteSuperseded(ctx context.Context, keepMsgID int64) error {
	msgs, err := s.channel.SearchByCaption(ctx, s.channelID, CaptionPrefix, 0)
	if err != nil {
		return err
	}
	var old []int64
	for _, m := range msgs {
		if m.ID == keepMsgID {
			continue
		}
		if _, ok := ParseCaption(m.Caption); !ok {
			continue
		}
		old = append(old, m.ID)
	}
	if len(old) == 0 {
		return nil
	}
	return remote.DeleteAll(ctx, s.channel, s.channelID, old)
}

// Close stops the debounce timer and, when an upload is pending, runs it
// synchronously so the final catalogue state is not lost on shutdown.
func (s *Syncer) Close() error {
	s.timerMu.Lock()
	s.closed = true
	pending := s.timer != nil && s.timer.Stop()
	s.timerMu.Unlock()

	if !pending {
		// A fire may be mid-flight; serialize behind it before returning.
		s.syncMu.Lock()
		defer s.syncMu.Unlock()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()
	return s.SyncNow(ctx)
}

// Reconcile compares local and newest remote snapshot versions at
// startup. A stale remote triggers an immediate upload; a remote ahead
// of the local database is downloaded and swapped in atomically. Equal
// versions are a no-op.
func (s *Syncer) Reconcile(ctx context.Context) error {
	local, err := s.cat.Version(ctx)
	if err != nil {
		return err
	}
	remoteVer, msgID, err := LatestSnapshot(ctx, s.channel, s.channelID)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return s.SyncNow(ctx)
		}
		return err
	}

	switch {
	case remoteVer < local:
		return s.SyncNow(ctx)
	case remoteVer > local:
		logger.Info("remote catalogue snapshot is newer, replacing local database",
			"local_version", local, "remote_version", remoteVer)
		if err := s.downloadAndReplace(ctx, msgID, remoteVer); err != nil {
			if errors.Is(err, errCorruptSnapshot) {
				// A corrupt backup downgrades this cycle to a no-op; the
				// next local mutation re-uploads a good one.
				logger.Warn("keeping local database",
					logger.KeyError, err.Error())
				return nil
			}
			return err
		}
	default:
		s.syncMu.Lock()
		s.lastSynced = local
		s.syncMu.Unlock()
	}
	return nil
}

// downloadAndReplace fetches a snapshot message and swaps its database
// into the live catalogue.
func (s *Syncer) downloadAndReplace(ctx context.Context, msgID, version int64) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	blob, err := s.channel.FetchBlob(ctx, s.channelID, msgID)
	if err != nil {
		return fmt.Errorf("failed to fetch snapshot: %w", err)
	}

	tmpDir, err := os.MkdirTemp("", "chatvault-restore-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	snapPath := filepath.Join(tmpDir, snapshotEntryName)
	if err := unpackSnapshot(blob, s.key, snapPath); err != nil {
		return err
	}
	if err := s.cat.ReplaceFrom(ctx, snapPath); err != nil {
		return fmt.Errorf("failed to swap in snapshot: %w", err)
	}
	s.lastSynced = version

	logger.Info("catalogue replaced from remote snapshot",
		logger.KeyVersion, version,
		logger.KeyMessageID, msgID)
	return nil
}

// LatestSnapshot finds the newest snapshot message on the channel.
// Returns remote.ErrNotFound when no snapshot exists.
func LatestSnapshot(ctx context.Context, channel remote.Channel, channelID int64) (int64, int64, error) {
	msgs, err := channel.SearchByCaption(ctx, channelID, CaptionPrefix, 0)
	if err != nil {
		return 0, 0, err
	}
	var (
		bestVer int64 = -1
		bestMsg int64
	)
	for _, m := range msgs {
		v, ok := ParseCaption(m.Caption)
		if !ok {
			continue
		}
		if v > bestVer {
			bestVer = v
			bestMsg = m.ID
		}
	}
	if bestVer < 0 {
		return 0, 0, remote.ErrNotFound
	}
	return bestVer, bestMsg, nil
}

// RestoreIfMissing downloads and unpacks the newest remote snapshot when
// no catalogue database exists at dbPath. Returns true when a restore
// happened. A missing remote snapshot is not an error; the caller starts
// with an empty catalogue.
func RestoreIfMissing(ctx context.Context, channel remote.Channel, channelID int64, key []byte, dbPath string) (bool, error) {
	if _, err := os.Stat(dbPath); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}

	version, msgID, err := LatestSnapshot(ctx, channel, channelID)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	blob, err := channel.FetchBlob(ctx, channelID, msgID)
	if err != nil {
		return false, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	if err := unpackSnapshot(blob, key, dbPath); err != nil {
		return false, err
	}

	logger.Info("catalogue restored from remote snapshot",
		logger.KeyVersion, version,
		logger.KeyMessageID, msgID,
		logger.KeyPath, dbPath)
	return true, nil
}

// errCorruptSnapshot marks a snapshot blob that cannot be decrypted or
// unpacked.
var errCorruptSnapshot = errors.New("corrupt catalogue snapshot")

// unpackSnapshot decrypts blob and writes the contained database file to
// destPath, unpacking next to the target and renaming so a crash cannot
// leave a torn database.
func unpackSnapshot(blob, key []byte, destPath string) error {
	plain, err := crypto.Decrypt(blob, key)
	if err != nil {
		return fmt.Errorf("%w: %v", errCorruptSnapshot, err)
	}
	zr, err := zip.NewReader(bytes.NewReader(plain), int64(len(plain)))
	if err != nil {
		return fmt.Errorf("%w: %v", errCorruptSnapshot, err)
	}
	var entry *zip.File
	for _, f := range zr.File {
		if f.Name == snapshotEntryName {
			entry = f
			break
		}
	}
	if entry == nil {
		return fmt.Errorf("%w: archive missing %s", errCorruptSnapshot, snapshotEntryName)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}

	tmpPath := destPath + ".restore"
	rc, err := entry.Open()
	if err != nil {
		return fmt.Errorf("%w: %v", errCorruptSnapshot, err)
	}
	defer rc.Close()
	out, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
