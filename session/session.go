// Package session restores the identity the app last ran under and decides
// whether the sync core may talk to the remote document at all.
package session

import (
	"context"
	"log/slog"
	stdSync "sync"

	"github.com/google/uuid"

	syncErrors "github.com/c0deZ3R0/bizsync/errors"
	"github.com/c0deZ3R0/bizsync/logging"
)

// Capability is what an identity may do with synchronized data.
type Capability string

const (
	FullAccess Capability = "full_access"
	ReadOnly   Capability = "read_only"
)

// GuestIdentity is used until someone signs in.
const GuestIdentity = "guest"

const (
	component = "session"
	metaKey   = "session"
)

// Session is the persisted identity of this device.
type Session struct {
	Identity   string     `json:"identity" yaml:"identity"`
	Capability Capability `json:"capability" yaml:"capability"`
	Token      string     `json:"token,omitempty" yaml:"-"`
	// WasConnected is set while the user wants this device synced; a restart
	// reconnects silently when it is true.
	WasConnected bool   `json:"wasConnected" yaml:"wasConnected"`
	DeviceID     string `json:"deviceId" yaml:"deviceId"`
}

// Guest returns the read-only session for a device nobody signed in on.
func Guest(deviceID string) Session {
	return Session{Identity: GuestIdentity, Capability: ReadOnly, DeviceID: deviceID}
}

// IsGuest reports whether nobody is signed in.
func (s Session) IsGuest() bool {
	return s.Identity == "" || s.Identity == GuestIdentity
}

// ReadOnly reports whether the session may not change synchronized data.
func (s Session) ReadOnly() bool {
	return s.IsGuest() || s.Capability != FullAccess
}

// ShouldSync reports whether s may push and pull on its own.
func ShouldSync(s Session) bool {
	return !s.ReadOnly()
}

// MetaStore is the slice of storage.Store that sessions persist through.
type MetaStore interface {
	LoadMeta(ctx context.Context, name string, dst any) (bool, error)
	SaveMeta(ctx context.Context, name string, v any) error
}

// Store persists the session next to the local data.
type Store struct {
	meta   MetaStore
	logger *logging.Logger

	mu      stdSync.Mutex
	current Session
}

// NewStore returns a Store backed by meta.
func NewStore(meta MetaStore, logger *logging.Logger) *Store {
	return &Store{
		meta:   meta,
		logger: logging.OrDefault(logger).WithComponent(logging.Component(component)),
	}
}

// Restore returns the previously saved session, giving it a fresh device id
// if it was saved without one. Without a saved session, or when it cannot be
// read, a guest session with a fresh device id is created and saved.
func (s *Store) Restore(ctx context.Context) (Session, error) {
	var sess Session
	found, err := s.meta.LoadMeta(ctx, metaKey, &sess)
	if err != nil {
		if !syncErrors.IsKind(err, syncErrors.KindMalformed) {
			return Session{}, err
		}
		s.logger.WarnContext(ctx, "discarding unreadable session", slog.String("error", err.Error()))
		found = false
	}
	if found {
		if sess.Capability == "" {
			sess.Capability = FullAccess
		}
		if sess.DeviceID != "" {
			s.set(sess)
			return sess, nil
		}
		sess.DeviceID = uuid.NewString()
		if err := s.Save(ctx, sess); err != nil {
			s.logger.LogError(ctx, err, "could not persist session device id")
			s.set(sess)
		}
		return sess, nil
	}

	guest := Guest(uuid.NewString())
	if err := s.Save(ctx, guest); err != nil {
		// The guest session still works, it just gets a new device id next time.
		s.logger.LogError(ctx, err, "could not persist guest session")
	}
	s.set(guest)
	return guest, nil
}

// Current returns the last restored or saved session.
func (s *Store) Current() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Save persists sess.
func (s *Store) Save(ctx context.Context, sess Session) error {
	if err := s.meta.SaveMeta(ctx, metaKey, sess); err != nil {
		return syncErrors.WrapOpComponent(err, string(syncErrors.OpPersistMeta), component)
	}
	s.set(sess)
	return nil
}

// SetConnected updates the persisted WasConnected flag.
func (s *Store) SetConnected(ctx context.Context, connected bool) error {
	sess := s.Current()
	if sess.WasConnected == connected {
		return nil
	}
	sess.WasConnected = connected
	return s.Save(ctx, sess)
}

// SignOut replaces the session with a guest one, keeping the device id.
func (s *Store) SignOut(ctx context.Context) (Session, error) {
	guest := Guest(s.Current().DeviceID)
	if guest.DeviceID == "" {
		guest.DeviceID = uuid.NewString()
	}
	return guest, s.Save(ctx, guest)
}

func (s *Store) set(sess Session) {
	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()
}
