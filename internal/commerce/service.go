package commerce

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingCipher     = errors.New("credential cipher is required")
	errMissingSecret     = errors.New("delivery secret is required")
	noOpLogger           = zap.NewNop()
)

// ErrInsufficientStock is returned when an order cannot claim every
// requested unit; nothing is reserved in that case.
var ErrInsufficientStock = errors.New("commerce: insufficient stock")

// ServiceError carries a dotted operation code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "commerce.service.new"
	opCreateOrder    = "commerce.create_order"
	opReleaseExpired = "commerce.release_expired"
	opWarrantyHold   = "commerce.warranty_hold"
	opFinalizeOrder  = "commerce.finalize_order"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues unique identifiers for new rows.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// ServiceConfig configures the commerce service.
type ServiceConfig struct {
	Database       *gorm.DB
	Clock          func() time.Time
	IDProvider     IDProvider
	Cipher         *CredentialCipher
	DeliverySecret string
	Logger         *zap.Logger
}

// Service owns the order, stock and fulfillment tables. All cross-actor
// mutations run inside write transactions with status-CAS guards.
type Service struct {
	db             *gorm.DB
	clock          func() time.Time
	idProvider     IDProvider
	cipher         *CredentialCipher
	deliverySecret string
	logger         *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Cipher == nil {
		return nil, newServiceError(opServiceNew, "missing_cipher", errMissingCipher)
	}
	if cfg.DeliverySecret == "" {
		return nil, newServiceError(opServiceNew, "missing_delivery_secret", errMissingSecret)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:             cfg.Database,
		clock:          clock,
		idProvider:     cfg.IDProvider,
		cipher:         cfg.Cipher,
		deliverySecret: cfg.DeliverySecret,
		logger:         logger,
	}, nil
}

// appendAudit inserts one append-only audit row inside the caller's transaction.
func (s *Service) appendAudit(tx *gorm.DB, eventType, entityType, entityID, actor, source string, payload any) error {
	auditID, err := s.idProvider.NewID()
	if err != nil {
		return err
	}
	payloadJSON := ""
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		payloadJSON = string(encoded)
	}
	return tx.Create(&AuditLog{
		AuditID:          auditID,
		EventType:        eventType,
		EntityType:       entityType,
		EntityID:         entityID,
		Actor:            actor,
		Source:           source,
		PayloadJSON:      payloadJSON,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}).Error
}

// appendSyncEvent records an UPSERT or DELETE on the change feed so that
// pulling replicas observe the mutation.
func (s *Service) appendSyncEvent(tx *gorm.DB, entityType, eventType, entityID string, payload any) error {
	eventID, err := s.idProvider.NewID()
	if err != nil {
		return err
	}
	payloadJSON := ""
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		payloadJSON = string(encoded)
	}
	return tx.Create(&SyncEvent{
		EventID:          eventID,
		EntityType:       entityType,
		EventType:        eventType,
		EntityID:         entityID,
		PayloadJSON:      payloadJSON,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}).Error
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("commerce service error", attrs...)
}
