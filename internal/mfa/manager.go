package mfa

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"image/png"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"homebase.io/internal/audit"
	"homebase.io/internal/obs"
)

const (
	backupCodeCount = 10
	backupCodeBytes = 4
	qrSize          = 256
	auditResource   = "mfa"

	methodBackup = "backup_code"
	methodNone   = "none"
)

var validateOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// Enrollment is returned once by GenerateSecret. The plaintext backup codes
// are not recoverable afterwards.
type Enrollment struct {
	Secret      string   `json:"secret"`
	URI         string   `json:"otpauth_uri"`
	QRCode      []byte   `json:"qr_png"`
	BackupCodes []string `json:"backup_codes"`
}

// Manager runs the MFA lifecycle for users.
type Manager struct {
	store      Store
	auditor    audit.Recorder
	sealer     Sealer
	issuer     string
	bcryptCost int
	random     io.Reader
	now        func() time.Time
}

type Option func(*Manager)

func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// WithSealer sets how secrets are protected at rest.
func WithSealer(s Sealer) Option {
	return func(m *Manager) {
		if s != nil {
			m.sealer = s
		}
	}
}

// WithIssuer sets the issuer used when GenerateSecret gets none.
func WithIssuer(issuer string) Option {
	return func(m *Manager) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			m.issuer = issuer
		}
	}
}

// WithBcryptCost overrides the backup code hashing cost.
func WithBcryptCost(cost int) Option {
	return func(m *Manager) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			m.bcryptCost = cost
		}
	}
}

func NewManager(store Store, auditor audit.Recorder, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("mfa store is required")
	}
	if auditor == nil {
		return nil, errors.New("mfa auditor is required")
	}
	m := &Manager{
		store:      store,
		auditor:    auditor,
		sealer:     PlainSealer{},
		issuer:     "Homebase",
		bcryptCost: bcrypt.DefaultCost,
		random:     rand.Reader,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// GenerateSecret provisions a fresh secret and backup codes for userID,
// replacing any previous configuration. The new configuration is disabled
// until Enable or ConfirmEnrollment.
func (m *Manager) GenerateSecret(ctx context.Context, userID, accountName, issuer string) (Enrollment, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Enrollment{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	accountName = strings.TrimSpace(accountName)
	if accountName == "" {
		accountName = userID
	}
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		issuer = m.issuer
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		Period:      validateOpts.Period,
		Digits:      validateOpts.Digits,
		Algorithm:   validateOpts.Algorithm,
		Rand:        m.random,
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("generate totp key: %w", err)
	}
	img, err := key.Image(qrSize, qrSize)
	if err != nil {
		return Enrollment{}, fmt.Errorf("render qr code: %w", err)
	}
	var qr bytes.Buffer
	if err := png.Encode(&qr, img); err != nil {
		return Enrollment{}, fmt.Errorf("encode qr code: %w", err)
	}
	codes, err := m.newBackupCodes()
	if err != nil {
		return Enrollment{}, err
	}
	hashes := make([]string, 0, len(codes))
	for _, c := range codes {
		h, err := bcrypt.GenerateFromPassword([]byte(c), m.bcryptCost)
		if err != nil {
			return Enrollment{}, fmt.Errorf("hash backup code: %w", err)
		}
		hashes = append(hashes, string(h))
	}
	sealed, err := m.sealer.Seal(key.Secret())
	if err != nil {
		return Enrollment{}, fmt.Errorf("seal secret: %w", err)
	}
	now := m.now().UTC()
	if err := m.store.ReplaceMFA(ctx, Setting{
		UserID:       userID,
		Method:       MethodTOTP,
		SealedSecret: sealed,
		BackupCodes:  hashes,
		Enabled:      false,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		return Enrollment{}, err
	}
	if _, err := m.auditor.Record(ctx, userID, audit.ActionMFASecretGenerated, auditResource, userID, "method="+MethodTOTP); err != nil {
		return Enrollment{}, err
	}
	return Enrollment{
		Secret:      key.Secret(),
		URI:         key.URL(),
		QRCode:      qr.Bytes(),
		BackupCodes: codes,
	}, nil
}

// VerifyCode checks code against the enabled configuration of userID: TOTP
// first, then the unused backup codes. A matching backup code is consumed
// before success is returned. Users without an enabled configuration always
// fail. Every attempt is audited.
func (m *Manager) VerifyCode(ctx context.Context, userID, code string) (bool, bool, error) {
	userID = strings.TrimSpace(userID)
	code = strings.TrimSpace(code)
	if userID == "" {
		return false, false, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	setting, err := m.store.FindMFA(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return false, false, m.recordAttempt(ctx, userID, false, methodNone)
	}
	if err != nil {
		return false, false, err
	}
	if !setting.Enabled {
		return false, false, m.recordAttempt(ctx, userID, false, methodNone)
	}

	ok, err := m.checkTOTP(setting, code)
	if err != nil {
		return false, false, err
	}
	if ok {
		return true, false, m.recordAttempt(ctx, userID, true, MethodTOTP)
	}

	ok, err = m.consumeBackupCode(ctx, setting, code)
	if err != nil {
		return false, false, err
	}
	if ok {
		return true, true, m.recordAttempt(ctx, userID, true, methodBackup)
	}
	method := MethodTOTP
	if len(code) == backupCodeBytes*2 {
		method = methodBackup
	}
	return false, false, m.recordAttempt(ctx, userID, false, method)
}

// ConfirmEnrollment verifies a TOTP code against a pending or disabled
// configuration and enables it when the code matches.
func (m *Manager) ConfirmEnrollment(ctx context.Context, userID, code string) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	setting, err := m.store.FindMFA(ctx, userID)
	if err != nil {
		return false, err
	}
	if setting.Enabled {
		return false, fmt.Errorf("%w: mfa is already enabled", ErrInvalidState)
	}
	ok, err := m.checkTOTP(setting, strings.TrimSpace(code))
	if err != nil {
		return false, err
	}
	if err := m.recordAttempt(ctx, userID, ok, MethodTOTP); err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return true, m.Enable(ctx, userID)
}

// Enable turns on the stored configuration. The caller is trusted to have
// checked a code first; ConfirmEnrollment does both.
func (m *Manager) Enable(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	setting, err := m.store.FindMFA(ctx, userID)
	if err != nil {
		return err
	}
	if setting.Enabled {
		return nil
	}
	if err := m.store.UpdateMFAEnabled(ctx, userID, true, m.now().UTC()); err != nil {
		return err
	}
	_, err = m.auditor.Record(ctx, userID, audit.ActionMFAEnabled, auditResource, userID, "")
	return err
}

// Disable turns enabled MFA off for userID, keeping the secret and remaining
// backup codes. A pending enrollment fails with ErrInvalidState. disabledBy
// names the acting principal; empty means the user.
func (m *Manager) Disable(ctx context.Context, userID, disabledBy string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	actor := strings.TrimSpace(disabledBy)
	if actor == "" {
		actor = userID
	}
	setting, err := m.store.FindMFA(ctx, userID)
	if err != nil {
		return err
	}
	switch setting.State() {
	case StateDisabled:
		return nil
	case StatePending:
		return fmt.Errorf("%w: mfa is not enabled", ErrInvalidState)
	}
	if err := m.store.UpdateMFAEnabled(ctx, userID, false, m.now().UTC()); err != nil {
		return err
	}
	obs.Logger().InfoContext(ctx, "mfa disabled",
		slog.String("user_id", userID),
		slog.String("disabled_by", actor),
	)
	detail := "disabled_by=self"
	if actor != userID {
		detail = "disabled_by=" + actor
	}
	_, err = m.auditor.Record(ctx, actor, audit.ActionMFADisabled, auditResource, userID, detail)
	return err
}

// State reports where userID is in the enrollment lifecycle.
func (m *Manager) State(ctx context.Context, userID string) (State, error) {
	setting, err := m.store.FindMFA(ctx, strings.TrimSpace(userID))
	if errors.Is(err, ErrNotFound) {
		return StateUnconfigured, nil
	}
	if err != nil {
		return "", err
	}
	return setting.State(), nil
}

// RemainingBackupCodes returns how many unused backup codes userID has.
func (m *Manager) RemainingBackupCodes(ctx context.Context, userID string) (int, error) {
	setting, err := m.store.FindMFA(ctx, strings.TrimSpace(userID))
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return len(setting.BackupCodes), nil
}

func (m *Manager) checkTOTP(setting Setting, code string) (bool, error) {
	if len(code) != int(validateOpts.Digits) {
		return false, nil
	}
	secret, err := m.sealer.Open(setting.SealedSecret)
	if err != nil {
		return false, fmt.Errorf("open secret: %w", err)
	}
	ok, err := totp.ValidateCustom(code, secret, m.now(), validateOpts)
	if err != nil {
		return false, nil
	}
	return ok, nil
}

// consumeBackupCode removes the matching hash with a compare-and-swap so two
// concurrent requests cannot both spend the same code. A lost swap reloads
// the list and retries until the code is spent or no longer present.
func (m *Manager) consumeBackupCode(ctx context.Context, setting Setting, code string) (bool, error) {
	code = strings.ToUpper(code)
	if len(code) != backupCodeBytes*2 {
		return false, nil
	}
	if _, err := hex.DecodeString(code); err != nil {
		return false, nil
	}
	for {
		idx := -1
		for i, h := range setting.BackupCodes {
			if bcrypt.CompareHashAndPassword([]byte(h), []byte(code)) == nil {
				idx = i
				break
			}
		}
		if idx < 0 {
			return false, nil
		}
		next := make([]string, 0, len(setting.BackupCodes)-1)
		next = append(next, setting.BackupCodes[:idx]...)
		next = append(next, setting.BackupCodes[idx+1:]...)
		swapped, err := m.store.SwapBackupCodes(ctx, setting.UserID, setting.BackupCodes, next, m.now().UTC())
		if err != nil {
			return false, err
		}
		if swapped {
			return true, nil
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		setting, err = m.store.FindMFA(ctx, setting.UserID)
		if err != nil {
			return false, err
		}
		if !setting.Enabled {
			return false, nil
		}
	}
}

func (m *Manager) newBackupCodes() ([]string, error) {
	seen := make(map[string]struct{}, backupCodeCount)
	codes := make([]string, 0, backupCodeCount)
	buf := make([]byte, backupCodeBytes)
	for len(codes) < backupCodeCount {
		if _, err := io.ReadFull(m.random, buf); err != nil {
			return nil, fmt.Errorf("read backup code entropy: %w", err)
		}
		c := strings.ToUpper(hex.EncodeToString(buf))
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		codes = append(codes, c)
	}
	return codes, nil
}

func (m *Manager) recordAttempt(ctx context.Context, userID string, ok bool, method string) error {
	action := audit.ActionMFAFailed
	if ok {
		action = audit.ActionMFAVerified
	}
	obs.ObserveMFA(method, ok)
	_, err := m.auditor.Record(ctx, userID, action, auditResource, userID, "method="+method)
	return err
}
