// Package auth is the session and token authority: credential verification,
// token minting and rotation, lockout, and idle session enforcement.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/echochat/backend/go/internal/v1/errs"
)

// Argon2id parameters. Tuned for interactive logins; hashing runs on a
// bounded worker pool so a login burst cannot exhaust memory.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 1
	argonKeyLen  = 32
	argonSaltLen = 16
)

// KDF hashes and verifies passwords. Concurrency is capped at the number of
// CPUs; callers beyond the cap queue on the semaphore.
type KDF struct {
	sem chan struct{}
}

func NewKDF() *KDF {
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	return &KDF{sem: make(chan struct{}, n)}
}

// Hash derives an encoded argon2id hash in PHC string format.
func (k *KDF) Hash(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", errs.Wrap(errs.KindInternal, "salt generation failed", err)
	}

	k.sem <- struct{}{}
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	<-k.sem

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// Verify checks a password against an encoded hash in constant time. The
// stored parameters are honored, so hashes survive parameter retuning.
func (k *KDF) Verify(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, errs.E(errs.KindInternal, "malformed password hash")
	}

	var mem, t uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &t, &threads); err != nil {
		return false, errs.Wrap(errs.KindInternal, "malformed hash parameters", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, errs.Wrap(errs.KindInternal, "malformed hash salt", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, errs.Wrap(errs.KindInternal, "malformed hash digest", err)
	}

	k.sem <- struct{}{}
	got := argon2.IDKey([]byte(password), salt, t, mem, threads, uint32(len(want)))
	<-k.sem

	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
