package notification

import "time"

// Priorite orders notifications when callers ask for priority-first listing.
type Priorite string

const (
	PrioriteBasse   Priorite = "BASSE"
	PrioriteNormale Priorite = "NORMALE"
	PrioriteHaute   Priorite = "HAUTE"
	PrioriteUrgente Priorite = "URGENTE"
)

func isValidPriorite(p Priorite) bool {
	switch p {
	case PrioriteBasse, PrioriteNormale, PrioriteHaute, PrioriteUrgente:
		return true
	default:
		return false
	}
}

// AudienceKind is the closed set of recipient classes a notification targets.
type AudienceKind string

const (
	AudienceAdmin      AudienceKind = "ADMIN"
	AudienceFormateur  AudienceKind = "FORMATEUR"
	AudienceEleve      AudienceKind = "ELEVE"
	AudienceSpecifique AudienceKind = "SPECIFIQUE"
)

// Audience is a tagged variant: role-wide kinds carry no user id, SPECIFIQUE
// names exactly one target user.
type Audience struct {
	Kind   AudienceKind
	UserID string
}

// Matches reports whether a notification addressed to target is visible to a
// principal holding this matcher.
func (a Audience) Matches(target Audience) bool {
	if a.Kind != target.Kind {
		return false
	}
	if a.Kind == AudienceSpecifique {
		return a.UserID != "" && a.UserID == target.UserID
	}
	return true
}

// Notification is the domain representation of a notifications row. It carries
// no JSON annotations so different presentation layers can shape it freely.
type Notification struct {
	ID            string
	SourceAgent   string
	Categorie     string
	Type          string
	Priorite      Priorite
	Titre         string
	Message       string
	Audience      Audience
	EntiteType    *string
	EntiteID      *string
	ActionRequise bool
	TypeAction    *string
	LienAction    *string
	Lue           bool
	LueLe         *time.Time
	Archivee      bool
	CreeLe        time.Time
}

// CreateParams enumerates the caller-supplied fields of a new notification.
// Identity, flags and cree_le are server-assigned.
type CreateParams struct {
	SourceAgent   string
	Categorie     string
	Type          string
	Priorite      Priorite
	Titre         string
	Message       string
	Audience      Audience
	EntiteType    *string
	EntiteID      *string
	ActionRequise bool
	TypeAction    *string
	LienAction    *string
}

// ListFilter composes the supported query dimensions. An empty Audiences set
// matches nothing: callers resolve it through AllowedAudiences first, so an
// unknown role sees an empty feed rather than everything.
type ListFilter struct {
	Audiences       []Audience
	Categorie       string
	NonLues         bool
	IncludeArchived bool
	Recherche       string
	OrderByPriority bool
	Limit           int
}

// Counts summarises a filtered feed for badge rendering.
type Counts struct {
	Total   int
	NonLues int
}
