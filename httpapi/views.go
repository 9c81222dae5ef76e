package httpapi

import (
	"time"

	"prospectflow/conversion"
	"prospectflow/notification"
)

type errorView struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type notificationView struct {
	ID             string     `json:"id"`
	SourceAgent    string     `json:"sourceAgent,omitempty"`
	Categorie      string     `json:"categorie"`
	Type           string     `json:"type"`
	Priorite       string     `json:"priorite"`
	Titre          string     `json:"titre"`
	Message        string     `json:"message"`
	Audience       string     `json:"audience"`
	AudienceUserID string     `json:"audienceUserId,omitempty"`
	EntiteType     *string    `json:"entiteType,omitempty"`
	EntiteID       *string    `json:"entiteId,omitempty"`
	ActionRequise  bool       `json:"actionRequise"`
	TypeAction     *string    `json:"typeAction,omitempty"`
	LienAction     *string    `json:"lienAction,omitempty"`
	Lue            bool       `json:"lue"`
	LueLe          *time.Time `json:"lueLe,omitempty"`
	Archivee       bool       `json:"archivee"`
	CreeLe         time.Time  `json:"creeLe"`
}

func toNotificationView(n notification.Notification) notificationView {
	return notificationView{
		ID:             n.ID,
		SourceAgent:    n.SourceAgent,
		Categorie:      n.Categorie,
		Type:           n.Type,
		Priorite:       string(n.Priorite),
		Titre:          n.Titre,
		Message:        n.Message,
		Audience:       string(n.Audience.Kind),
		AudienceUserID: n.Audience.UserID,
		EntiteType:     n.EntiteType,
		EntiteID:       n.EntiteID,
		ActionRequise:  n.ActionRequise,
		TypeAction:     n.TypeAction,
		LienAction:     n.LienAction,
		Lue:            n.Lue,
		LueLe:          n.LueLe,
		Archivee:       n.Archivee,
		CreeLe:         n.CreeLe,
	}
}

type countsView struct {
	Total   int `json:"total"`
	NonLues int `json:"nonLues"`
}

type listResponse struct {
	Notifications []notificationView `json:"notifications"`
	Counts        countsView         `json:"counts"`
}

type statusView struct {
	EnCours bool           `json:"enCours"`
	Since   *time.Time     `json:"since,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

type lockView struct {
	ID           string         `json:"id"`
	CibleID      string         `json:"cibleId"`
	TypeAction   string         `json:"typeAction"`
	StatutAction string         `json:"statutAction"`
	Payload      map[string]any `json:"payload,omitempty"`
	DateDebut    time.Time      `json:"dateDebut"`
	DateFin      *time.Time     `json:"dateFin,omitempty"`
}

func toLockView(l conversion.Lock) lockView {
	return lockView{
		ID:           l.ID,
		CibleID:      l.CibleID,
		TypeAction:   l.TypeAction,
		StatutAction: string(l.StatutAction),
		Payload:      l.Payload,
		DateDebut:    l.DateDebut,
		DateFin:      l.DateFin,
	}
}

type busyView struct {
	Code           string         `json:"code"`
	Message        string         `json:"message"`
	Since          time.Time      `json:"since"`
	ElapsedSeconds int            `json:"elapsedSeconds"`
	Payload        map[string]any `json:"payload,omitempty"`
}
