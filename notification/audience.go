package notification

// Role is the opaque role string supplied by the identity collaborator.
type Role string

const (
	RoleAdmin     Role = "ADMIN"
	RoleFormateur Role = "FORMATEUR"
	RoleEleve     Role = "ELEVE"
)

// AllowedAudiences maps a requester's role to the audience matchers it may
// see. Pure and total: an unknown role maps to the empty set, never to ADMIN.
func AllowedAudiences(role Role, userID string) []Audience {
	switch role {
	case RoleAdmin:
		return []Audience{{Kind: AudienceAdmin}}
	case RoleFormateur:
		return []Audience{
			{Kind: AudienceFormateur},
			{Kind: AudienceSpecifique, UserID: userID},
		}
	case RoleEleve:
		return []Audience{
			{Kind: AudienceEleve},
			{Kind: AudienceSpecifique, UserID: userID},
		}
	default:
		return nil
	}
}

// VisibleTo reports whether any matcher in the resolved set covers the
// notification's audience.
func VisibleTo(allowed []Audience, target Audience) bool {
	for _, a := range allowed {
		if a.Matches(target) {
			return true
		}
	}
	return false
}
