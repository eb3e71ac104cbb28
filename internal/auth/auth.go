// Package auth implements device API key issuance and verification.
//
// A device key is "<device-uuid>.<secret>", issued once at registration.
// Only a bcrypt hash of the secret is stored; the uuid prefix lets the
// authenticator look the device up without scanning hashes. Verified keys
// are cached briefly so steady-state polling does not pay the bcrypt cost
// on every request. Activity and revocation flags are still checked
// against the store on every call.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/fleetyard/fleetyard/internal/fyerrors"
	"github.com/fleetyard/fleetyard/internal/store"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const secretBytes = 16

type ctxKeyDevice struct{}

// GenerateKey mints a fresh device API key and its storable bcrypt hash.
// The plaintext is returned exactly once and cannot be reconstructed from
// the hash.
func GenerateKey(deviceUuid uuid.UUID, bcryptCost int) (plaintext string, hash string, err error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generating key secret: %w", err)
	}
	secret := hex.EncodeToString(buf)
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcryptCost)
	if err != nil {
		return "", "", fmt.Errorf("hashing key secret: %w", err)
	}
	return fmt.Sprintf("%s.%s", deviceUuid, secret), string(hashed), nil
}

// ParseKey splits a presented key into device uuid and secret.
func ParseKey(key string) (uuid.UUID, string, error) {
	idPart, secret, found := strings.Cut(key, ".")
	if !found || secret == "" {
		return uuid.Nil, "", fyerrors.ErrInvalidAPIKey
	}
	deviceUuid, err := uuid.Parse(idPart)
	if err != nil {
		return uuid.Nil, "", fyerrors.ErrInvalidAPIKey
	}
	return deviceUuid, secret, nil
}

type DeviceAuthenticator struct {
	devices store.Device
	cache   *ttlcache.Cache[string, uuid.UUID]
	log     logrus.FieldLogger
}

func NewDeviceAuthenticator(devices store.Device, verifyCacheTTL time.Duration, log logrus.FieldLogger) *DeviceAuthenticator {
	a := &DeviceAuthenticator{
		devices: devices,
		cache:   ttlcache.New[string, uuid.UUID](ttlcache.WithTTL[string, uuid.UUID](verifyCacheTTL)),
		log:     log,
	}
	go a.cache.Start()
	return a
}

// Authenticate verifies a presented key and returns the device's auth
// record. The cache only short-circuits the bcrypt comparison; disabling
// a device or revoking its key takes effect on the next request.
func (a *DeviceAuthenticator) Authenticate(ctx context.Context, key string) (*store.DeviceAuthRecord, error) {
	deviceUuid, secret, err := ParseKey(key)
	if err != nil {
		return nil, err
	}

	record, err := a.devices.GetAuthRecord(ctx, deviceUuid)
	if err != nil {
		if errors.Is(err, fyerrors.ErrResourceNotFound) {
			return nil, fyerrors.ErrInvalidAPIKey
		}
		return nil, err
	}
	if record.KeyRevoked || record.KeyHash == "" {
		return nil, fyerrors.ErrInvalidAPIKey
	}
	if !record.IsActive {
		return nil, fyerrors.ErrDeviceDisabled
	}

	if item := a.cache.Get(key); item != nil && item.Value() == deviceUuid {
		return record, nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(record.KeyHash), []byte(secret)); err != nil {
		return nil, fyerrors.ErrInvalidAPIKey
	}
	a.cache.Set(key, deviceUuid, ttlcache.DefaultTTL)
	return record, nil
}

// Middleware guards device-facing routes. It expects an
// "Authorization: Bearer <key>" header and stores the authenticated device
// in the request context.
func (a *DeviceAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeAuthFailure(w, api.StatusUnauthorized("missing or malformed authorization header"))
			return
		}
		record, err := a.Authenticate(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, fyerrors.ErrDeviceDisabled):
				writeAuthFailure(w, api.StatusForbidden("device is disabled"))
			case errors.Is(err, fyerrors.ErrInvalidAPIKey):
				writeAuthFailure(w, api.StatusUnauthorized("invalid api key"))
			default:
				a.log.WithError(err).Error("device authentication failed")
				writeAuthFailure(w, api.StatusInternalServerError("authentication failed"))
			}
			return
		}
		next.ServeHTTP(w, r.WithContext(WithDevice(r.Context(), record)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return "", false
	}
	return token, true
}

func writeAuthFailure(w http.ResponseWriter, status api.Status) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(int(status.Code))
	_ = json.NewEncoder(w).Encode(status)
}

func WithDevice(ctx context.Context, record *store.DeviceAuthRecord) context.Context {
	return context.WithValue(ctx, ctxKeyDevice{}, record)
}

// DeviceFromContext returns the authenticated device set by Middleware.
func DeviceFromContext(ctx context.Context) (*store.DeviceAuthRecord, bool) {
	record, ok := ctx.Value(ctxKeyDevice{}).(*store.DeviceAuthRecord)
	return record, ok
}
