// Package sessionstore implements a gorilla/sessions Store that keeps session
// values in a bolt database. The cookie only carries the signed session ID, so
// ID and refresh tokens never leave the server.
package sessionstore

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base32"
	"encoding/gob"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var _ sessions.Store = (*BoltStore)(nil)

var bucketSessions = []byte("sessions")

type record struct {
	Data    []byte
	Expires time.Time
}

func (r *record) encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	err := gob.NewEncoder(buf).Encode(r)
	return buf.Bytes(), err
}

func decodeRecord(data []byte) (*record, error) {
	var r *record
	buf := bytes.NewBuffer(data)
	err := gob.NewDecoder(buf).Decode(&r)
	return r, err
}

// BoltStore stores sessions in a bolt database.
type BoltStore struct {
	Codecs  []securecookie.Codec
	Options *sessions.Options

	db  *bolt.DB
	Now func() time.Time
}

// New opens (creating if needed) the bolt database at path. keyPairs are
// passed to securecookie to sign, and optionally encrypt, the session ID
// cookie.
func New(path string, mode os.FileMode, keyPairs ...[]byte) (*BoltStore, error) {
	db, err := bolt.Open(path, mode, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open session database %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSessions)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to create sessions bucket")
	}

	s := &BoltStore{
		Codecs: securecookie.CodecsFromPairs(keyPairs...),
		Options: &sessions.Options{
			Path:     "/",
			MaxAge:   86400 * 7,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		},
		db:  db,
		Now: time.Now,
	}
	s.MaxAge(s.Options.MaxAge)

	return s, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// MaxAge sets the maximum age for the store and the underlying cookie
// implementation.
func (s *BoltStore) MaxAge(age int) {
	s.Options.MaxAge = age

	for _, codec := range s.Codecs {
		if sc, ok := codec.(*securecookie.SecureCookie); ok {
			sc.MaxAge(age)
		}
	}
}

// Get returns a cached session for the request, or loads it.
func (s *BoltStore) Get(r *http.Request, name string) (*sessions.Session, error) {
	return sessions.GetRegistry(r).Get(s, name)
}

// New returns the session referenced by the request's cookie, or a new empty
// session if there is none. An error is returned alongside a new session when
// the cookie could not be decoded.
func (s *BoltStore) New(r *http.Request, name string) (*sessions.Session, error) {
	session := sessions.NewSession(s, name)
	opts := *s.Options
	session.Options = &opts
	session.IsNew = true

	c, err := r.Cookie(name)
	if err != nil {
		return session, nil
	}

	var id string
	if err := securecookie.DecodeMulti(name, c.Value, &id, s.Codecs...); err != nil {
		return session, err
	}

	found, err := s.load(id, session)
	if err != nil {
		return session, err
	}
	if found {
		session.ID = id
		session.IsNew = false
	}

	return session, nil
}

// Save persists the session and writes the ID cookie. A negative MaxAge
// deletes the session and expires the cookie.
func (s *BoltStore) Save(r *http.Request, w http.ResponseWriter, session *sessions.Session) error {
	if session.Options.MaxAge < 0 {
		if session.ID != "" {
			if err := s.delete(session.ID); err != nil {
				return err
			}
		}
		http.SetCookie(w, sessions.NewCookie(session.Name(), "", session.Options))
		return nil
	}

	if session.ID == "" {
		session.ID = newSessionID()
	}

	if err := s.save(session); err != nil {
		return err
	}

	encoded, err := securecookie.EncodeMulti(session.Name(), session.ID, s.Codecs...)
	if err != nil {
		return errors.Wrap(err, "failed to encode session cookie")
	}
	http.SetCookie(w, sessions.NewCookie(session.Name(), encoded, session.Options))

	return nil
}

func (s *BoltStore) load(id string, session *sessions.Session) (bool, error) {
	var found bool

	err := s.db.View(func(tx *bolt.Tx) error {
		o := tx.Bucket(bucketSessions).Get([]byte(id))
		if o == nil {
			return nil
		}
		r, err := decodeRecord(o)
		if err != nil {
			return err
		}
		if r.Expires.Before(s.Now()) {
			return nil
		}
		if err := gob.NewDecoder(bytes.NewReader(r.Data)).Decode(&session.Values); err != nil {
			return errors.Wrap(err, "failed to decode session values")
		}
		found = true
		return nil
	})

	return found, err
}

func (s *BoltStore) save(session *sessions.Session) error {
	buf := new(bytes.Buffer)
	if err := gob.NewEncoder(buf).Encode(session.Values); err != nil {
		return errors.Wrap(err, "failed to encode session values")
	}

	maxAge := session.Options.MaxAge
	if maxAge == 0 {
		maxAge = s.Options.MaxAge
	}
	r := &record{
		Data:    buf.Bytes(),
		Expires: s.Now().Add(time.Duration(maxAge) * time.Second),
	}
	rb, err := r.encode()
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(session.ID), rb)
	})
}

func (s *BoltStore) delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(id))
	})
}

// GarbageCollect deletes every session that expired before now, returning the
// number removed.
func (s *BoltStore) GarbageCollect(now time.Time) (int, error) {
	var n int

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			r, err := decodeRecord(v)
			if err != nil || r.Expires.Before(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(expired)
		return nil
	})

	return n, err
}

// StartGarbageCollection runs GarbageCollect every frequency until ctx is
// done.
func (s *BoltStore) StartGarbageCollection(ctx context.Context, frequency time.Duration, logger logrus.FieldLogger) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(frequency):
				if n, err := s.GarbageCollect(s.Now()); err != nil {
					logger.WithError(err).Error("session garbage collection failed")
				} else if n > 0 {
					logger.Infof("session garbage collection run, deleted sessions=%d", n)
				}
			}
		}
	}()
}

func newSessionID() string {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic(err)
	}
	return strings.TrimRight(base32.StdEncoding.EncodeToString(b), "=")
}
