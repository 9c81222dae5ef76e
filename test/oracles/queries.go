// Package oracles holds the SQL invariants checked repeatedly during a stress
// run. A non-empty result set is a violation.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_active_lease",
			SQL: `SELECT cible_id, type_action, COUNT(*) FROM conversion_actions
                  WHERE statut_action = 'EN_COURS'
                  GROUP BY cible_id, type_action HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_terminal_lease_closed",
			SQL: `SELECT id FROM conversion_actions
                  WHERE statut_action IN ('TERMINEE','ECHOUEE') AND date_fin IS NULL`,
		},
		{
			Name: "O3_active_lease_open",
			SQL: `SELECT id FROM conversion_actions
                  WHERE statut_action = 'EN_COURS' AND date_fin IS NOT NULL`,
		},
		{
			Name: "O4_lease_temporal_order",
			SQL: `SELECT id FROM conversion_actions
                  WHERE date_fin IS NOT NULL AND date_fin < date_debut`,
		},
		{
			Name: "O5_notification_mandatory_fields",
			SQL: `SELECT id FROM notifications
                  WHERE btrim(categorie) = '' OR btrim(type) = ''
                     OR btrim(titre) = '' OR btrim(message) = ''`,
		},
		{
			Name: "O6_specifique_has_target",
			SQL: `SELECT id FROM notifications
                  WHERE audience = 'SPECIFIQUE' AND cible_user_id IS NULL`,
		},
		{
			Name: "O7_read_flag_consistent",
			SQL:  `SELECT id FROM notifications WHERE lue AND lue_le IS NULL`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
