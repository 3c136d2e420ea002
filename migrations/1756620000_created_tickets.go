package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("tickets")

		collection.Fields.Add(
			&core.TextField{Name: "reference", Required: true},
			&core.TextField{Name: "owner_account_id", Required: true},
			&core.EmailField{Name: "owner_email", Required: true},
			&core.TextField{Name: "holder_name"},
			&core.TextField{Name: "event_name"},
			&core.TextField{Name: "event_date"},
			&core.TextField{Name: "event_time"},
			&core.TextField{Name: "location"},
			&core.SelectField{Name: "tier", Values: []string{"standard", "premium"}, MaxSelect: 1},
			&core.SelectField{Name: "status", Values: []string{"active", "cancelled"}, MaxSelect: 1},
			&core.BoolField{Name: "checked_in"},
			&core.DateField{Name: "checked_in_at"},
			&core.DateField{Name: "claimed_at"},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)

		// Reference lookups back the QR validation path; the unique index is
		// also the collision backstop for reference generation.
		collection.AddIndex("idx_tickets_reference", true, "reference", "")
		collection.AddIndex("idx_tickets_owner", false, "owner_account_id", "")
		collection.AddIndex("idx_tickets_owner_email", false, "owner_email", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("tickets")
		if err != nil {
			return nil
		}
		return app.Delete(collection)
	})
}
