package emitter

import (
	"fmt"

	"gorm.io/gorm"
)

// SuppressGUC is the transaction-local setting checked by the trigger
// function. Bulk writers SET LOCAL it to 'on' so a batch import does not
// flood the channel with one notification per row.
const SuppressGUC = "crm.suppress_notify"

// Install creates the notify function and row trigger on the opportunities
// table. Statements run in one transaction and are idempotent, so Install is
// safe to call on every startup right after AutoMigrate.
//
// The function builds the bounded projection itself: free-text fields are
// cut to fixed lengths and, should the encoded payload still exceed the safe
// limit, it falls back to a minimal id/phase projection. pg_notify rejects
// payloads near 8000 bytes, and a failing trigger would abort the user's
// transaction, so the payload must be made small here, not checked later.
func Install(db *gorm.DB, channel string) error {
	return db.Transaction(func(tx *gorm.DB) error {
		for _, stmt := range buildMigrations(channel) {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("install change trigger: %w", err)
			}
		}
		return nil
	})
}

func buildMigrations(channel string) []string {
	fn := fmt.Sprintf(`
CREATE OR REPLACE FUNCTION crm_notify_opportunity_change() RETURNS trigger AS $fn$
DECLARE
	rec RECORD;
	phase_changed BOOLEAN := false;
	payload TEXT;
BEGIN
	IF current_setting('%s', true) = 'on' THEN
		RETURN COALESCE(NEW, OLD);
	END IF;

	IF TG_OP = 'DELETE' THEN
		rec := OLD;
	ELSE
		rec := NEW;
	END IF;
	IF TG_OP = 'UPDATE' THEN
		phase_changed := OLD.phase IS DISTINCT FROM NEW.phase;
	END IF;

	payload := json_build_object(
		'operation', TG_OP,
		'table', TG_TABLE_NAME,
		'phase_changed', phase_changed,
		'timestamp', now(),
		'data', json_build_object(
			'id', rec.id,
			'phase', rec.phase,
			'company', left(rec.company, %d),
			'contact', left(rec.contact, %d),
			'value', rec.value,
			'owner_id', rec.owner_id,
			'updated_at', rec.updated_at
		)
	)::text;

	IF octet_length(payload) > %d THEN
		payload := json_build_object(
			'operation', TG_OP,
			'table', TG_TABLE_NAME,
			'phase_changed', phase_changed,
			'timestamp', now(),
			'data', json_build_object(
				'id', rec.id,
				'phase', rec.phase,
				'owner_id', rec.owner_id,
				'updated_at', rec.updated_at
			)
		)::text;
	END IF;

	PERFORM pg_notify('%s', payload);
	RETURN COALESCE(NEW, OLD);
END;
$fn$ LANGUAGE plpgsql`,
		SuppressGUC, CompanyMaxLen, ContactMaxLen, MaxPayloadBytes, channel)

	return []string{
		fn,
		`DROP TRIGGER IF EXISTS opportunities_notify_change ON opportunities`,
		`CREATE TRIGGER opportunities_notify_change
			AFTER INSERT OR UPDATE OR DELETE ON opportunities
			FOR EACH ROW EXECUTE FUNCTION crm_notify_opportunity_change()`,
	}
}

// Suppress disables the trigger for the remainder of tx. SET LOCAL scopes
// the setting to the enclosing transaction, so no cleanup is needed.
func Suppress(tx *gorm.DB) error {
	return tx.Exec(fmt.Sprintf("SET LOCAL %s = 'on'", SuppressGUC)).Error
}
