package migration

import (
	"fmt"

	catalogdomain "github.com/smallbiznis/patronage/internal/catalog/domain"
	ledgerdomain "github.com/smallbiznis/patronage/internal/ledger/domain"
	subscriptiondomain "github.com/smallbiznis/patronage/internal/subscription/domain"
	userdomain "github.com/smallbiznis/patronage/internal/user/domain"
	webhookdomain "github.com/smallbiznis/patronage/internal/webhook/domain"
	"gorm.io/gorm"
)

// Models lists every table owned by the service.
func Models() []any {
	return []any{
		&userdomain.User{},
		&catalogdomain.Tier{},
		&catalogdomain.Price{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.Payment{},
		&ledgerdomain.Entry{},
		&webhookdomain.EventRecord{},
		&webhookdomain.DeferredEvent{},
	}
}

const livePairIndex = "ux_subscriptions_live_pair"

// AutoMigrate creates the schema on sqlite and mysql, where the embedded
// postgres migrations do not apply.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return ensureLivePairIndex(db)
}

// ensureLivePairIndex enforces one live subscription per pair.
func ensureLivePairIndex(db *gorm.DB) error {
	switch db.Dialector.Name() {
	case "mysql":
		// No partial indexes: index a generated key that is NULL once the
		// row stops being live.
		m := db.Migrator()
		if !m.HasColumn(&subscriptiondomain.Subscription{}, "live_pair_key") {
			err := db.Exec(`ALTER TABLE subscriptions ADD COLUMN live_pair_key VARCHAR(64)
				GENERATED ALWAYS AS (CASE WHEN status IN ('incomplete','active','past_due')
				THEN CONCAT(subscriber_id, ':', creator_id) ELSE NULL END) STORED`).Error
			if err != nil {
				return fmt.Errorf("add live pair key: %w", err)
			}
		}
		if !m.HasIndex(&subscriptiondomain.Subscription{}, livePairIndex) {
			if err := db.Exec("CREATE UNIQUE INDEX " + livePairIndex + " ON subscriptions (live_pair_key)").Error; err != nil {
				return fmt.Errorf("create live pair index: %w", err)
			}
		}
		return nil
	default:
		return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ` + livePairIndex + `
			ON subscriptions (subscriber_id, creator_id)
			WHERE status IN ('incomplete', 'active', 'past_due')`).Error
	}
}
