package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrUnauthorized signals a missing or mismatched ingestion credential.
	ErrUnauthorized = errors.New("notification: unauthorized producer")
)

// ValidationError reports the offending fields of a rejected payload.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "notification: invalid payload: " + strings.Join(e.Fields, ", ")
}

// Broadcaster receives freshly persisted notifications for real-time fan-out.
// Delivery is best-effort; implementations must never return control-flow
// errors into the ingest path.
type Broadcaster interface {
	Publish(n Notification)
}

// IngestRequest is the raw producer payload before validation.
type IngestRequest struct {
	SourceAgent    string   `json:"sourceAgent"`
	Categorie      string   `json:"categorie"`
	Type           string   `json:"type"`
	Priorite       Priorite `json:"priorite"`
	Titre          string   `json:"titre"`
	Message        string   `json:"message"`
	Audience       string   `json:"audience"`
	AudienceUserID string   `json:"audienceUserId"`
	EntiteType     *string  `json:"entiteType"`
	EntiteID       *string  `json:"entiteId"`
	ActionRequise  bool     `json:"actionRequise"`
	TypeAction     *string  `json:"typeAction"`
	LienAction     *string  `json:"lienAction"`
}

// IngestService is the gateway producers go through: shared-secret check,
// shape validation, durable write, then hand-off to the broadcaster.
type IngestService struct {
	repo        Repository
	broadcaster Broadcaster
	keyHash     []byte
}

// NewIngestService builds the gateway. keyHash is the bcrypt hash of the
// shared producer secret; with an empty hash every ingest is rejected, so a
// misconfigured process fails closed instead of accepting anonymous writes.
func NewIngestService(repo Repository, broadcaster Broadcaster, keyHash string) *IngestService {
	return &IngestService{
		repo:        repo,
		broadcaster: broadcaster,
		keyHash:     []byte(keyHash),
	}
}

// Ingest authenticates and validates the payload, persists it, and pushes the
// created record to connected subscribers. Validation and auth failures reject
// before any state mutation.
func (s *IngestService) Ingest(ctx context.Context, req IngestRequest, apiKey string) (Notification, error) {
	if err := s.authenticate(apiKey); err != nil {
		return Notification{}, err
	}

	params, err := normalize(req)
	if err != nil {
		return Notification{}, err
	}

	n, err := s.repo.Create(ctx, params)
	if err != nil {
		return Notification{}, err
	}

	if s.broadcaster != nil {
		s.broadcaster.Publish(n)
	}
	return n, nil
}

func (s *IngestService) authenticate(apiKey string) error {
	if len(s.keyHash) == 0 || apiKey == "" {
		return ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword(s.keyHash, []byte(apiKey)); err != nil {
		return ErrUnauthorized
	}
	return nil
}

// normalize turns the raw payload into CreateParams, collecting every invalid
// field so producers get one actionable error instead of a guessing game.
func normalize(req IngestRequest) (CreateParams, error) {
	var fields []string

	if strings.TrimSpace(req.Categorie) == "" {
		fields = append(fields, "categorie")
	}
	if strings.TrimSpace(req.Type) == "" {
		fields = append(fields, "type")
	}
	if strings.TrimSpace(req.Titre) == "" {
		fields = append(fields, "titre")
	}
	if strings.TrimSpace(req.Message) == "" {
		fields = append(fields, "message")
	}

	priorite := req.Priorite
	if priorite == "" {
		priorite = PrioriteNormale
	}
	if !isValidPriorite(priorite) {
		fields = append(fields, "priorite")
	}

	audience := Audience{Kind: AudienceKind(req.Audience)}
	switch audience.Kind {
	case AudienceAdmin, AudienceFormateur, AudienceEleve:
	case AudienceSpecifique:
		if req.AudienceUserID == "" {
			fields = append(fields, "audienceUserId")
		}
		audience.UserID = req.AudienceUserID
	default:
		fields = append(fields, "audience")
	}

	if len(fields) > 0 {
		return CreateParams{}, &ValidationError{Fields: fields}
	}

	return CreateParams{
		SourceAgent:   req.SourceAgent,
		Categorie:     req.Categorie,
		Type:          req.Type,
		Priorite:      priorite,
		Titre:         req.Titre,
		Message:       req.Message,
		Audience:      audience,
		EntiteType:    req.EntiteType,
		EntiteID:      req.EntiteID,
		ActionRequise: req.ActionRequise,
		TypeAction:    req.TypeAction,
		LienAction:    req.LienAction,
	}, nil
}

// validateCreate guards the repository layer as well: direct store callers get
// the same mandatory-field invariant as gateway traffic.
func validateCreate(params CreateParams) error {
	var fields []string
	if params.Categorie == "" {
		fields = append(fields, "categorie")
	}
	if params.Type == "" {
		fields = append(fields, "type")
	}
	if params.Titre == "" {
		fields = append(fields, "titre")
	}
	if params.Message == "" {
		fields = append(fields, "message")
	}
	if !isValidPriorite(params.Priorite) {
		fields = append(fields, "priorite")
	}
	switch params.Audience.Kind {
	case AudienceAdmin, AudienceFormateur, AudienceEleve:
	case AudienceSpecifique:
		if params.Audience.UserID == "" {
			fields = append(fields, "audienceUserId")
		}
	default:
		fields = append(fields, "audience")
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// HashIngestKey is a bootstrap helper for operators provisioning the shared
// secret; it mirrors bcrypt defaults so the stored hash stays comparable.
func HashIngestKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("notification: empty ingest key")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("notification: hash ingest key: %w", err)
	}
	return string(h), nil
}
