package migrations

import (
	"github.com/pocketbase/pocketbase/core"
)

type index struct {
	name    string
	unique  bool
	columns string
}

type collectionDef struct {
	name    string
	fields  []core.Field
	indexes []index
}

func text(name string, required bool) *core.TextField {
	return &core.TextField{Name: name, Required: required, Max: 255}
}

func integer(name string) *core.NumberField {
	return &core.NumberField{Name: name, OnlyInt: true}
}

func number(name string) *core.NumberField {
	return &core.NumberField{Name: name}
}

func date(name string) *core.DateField {
	return &core.DateField{Name: name}
}

func flag(name string) *core.BoolField {
	return &core.BoolField{Name: name}
}

func jsonField(name string) *core.JSONField {
	return &core.JSONField{Name: name, MaxSize: 1 << 20}
}

func created() *core.AutodateField {
	return &core.AutodateField{Name: "created", OnCreate: true}
}

func attendanceDefs() []collectionDef {
	return []collectionDef{
		{
			name: "sessions",
			fields: []core.Field{
				text("session_id", true), text("schedule_id", true), text("supervisor_id", true),
				&core.SelectField{Name: "mode", Required: true, MaxSelect: 1, Values: []string{"device_proximity", "location"}},
				&core.SelectField{Name: "status", Required: true, MaxSelect: 1, Values: []string{"pending", "active", "processing", "completed", "cancelled"}},
				date("scheduled_start"), date("scheduled_end"), date("actual_start"), date("actual_end"),
				integer("round_count"), integer("tolerance_minutes"),
				number("office_latitude"), number("office_longitude"), number("radius_meters"),
				created(),
			},
			indexes: []index{
				{"idx_sessions_session_id", true, "session_id"},
				{"idx_sessions_schedule_status", false, "schedule_id, status"},
			},
		},
		{
			name: "rounds",
			fields: []core.Field{
				text("round_id", true), text("session_id", true), integer("number"),
				&core.SelectField{Name: "status", Required: true, MaxSelect: 1, Values: []string{"pending", "active", "completed", "cancelled", "finalized"}},
				date("scheduled_time"), date("activated_at"), date("closed_at"),
			},
			indexes: []index{
				{"idx_rounds_round_id", true, "round_id"},
				{"idx_rounds_session_number", true, "session_id, number"},
			},
		},
		{
			name: "evidence_records",
			fields: []core.Field{
				text("evidence_id", true), text("session_id", true), text("round_id", true), text("participant_id", true),
				text("submitter_device_id", false), jsonField("payload"), date("captured_at"),
				flag("is_valid"), text("status", true), flag("is_late"), jsonField("matched_devices"),
				flag("has_location"), number("latitude"), number("longitude"),
				number("distance_from_office_meters"), number("distance_from_check_in_meters"), number("speed_mps"),
				created(),
			},
			indexes: []index{
				{"idx_evidence_evidence_id", true, "evidence_id"},
				{"idx_evidence_session_participant", false, "session_id, participant_id, captured_at"},
			},
		},
		{
			name: "anomalies",
			fields: []core.Field{
				text("anomaly_id", true), text("session_id", true), text("round_id", false), text("participant_id", true),
				text("evidence_id", false), text("type", true), text("severity", true), &core.TextField{Name: "detail", Max: 2000},
				flag("auto_flagged"), flag("requires_investigation"), text("investigation_status", false), date("detected_at"),
			},
			indexes: []index{
				{"idx_anomalies_anomaly_id", true, "anomaly_id"},
				{"idx_anomalies_session", false, "session_id, participant_id"},
			},
		},
		{
			name: "round_attendance",
			fields: []core.Field{
				text("session_id", true), text("round_id", true), text("participant_id", true),
				integer("round_number"), flag("attended"), text("evidence_id", false), text("status", false),
			},
			indexes: []index{
				{"idx_round_attendance_key", true, "round_id, participant_id"},
				{"idx_round_attendance_session", false, "session_id, participant_id"},
			},
		},
		{
			name: "attendance_outcomes",
			fields: []core.Field{
				text("session_id", true), text("participant_id", true),
				integer("attended_rounds"), integer("total_rounds"), number("percentage"),
				&core.SelectField{Name: "status", Required: true, MaxSelect: 1, Values: []string{"present", "partial", "absent"}},
				date("finalized_at"),
			},
			indexes: []index{{"idx_outcomes_key", true, "session_id, participant_id"}},
		},
		{
			name: "reminder_logs",
			fields: []core.Field{
				text("round_id", true), text("participant_id", true), date("sent_at"),
			},
			indexes: []index{{"idx_reminder_logs_key", true, "round_id, participant_id"}},
		},
		{
			name: "dead_letters",
			fields: []core.Field{
				text("dead_letter_id", true), text("original_message_id", false), text("original_message_type", false),
				jsonField("payload"), &core.TextField{Name: "error_message", Max: 5000}, integer("attempts"), date("timestamp"),
			},
			indexes: []index{{"idx_dead_letters_id", true, "dead_letter_id"}},
		},
		{
			name: "enrollments",
			fields: []core.Field{
				text("schedule_id", true), text("participant_id", true), text("name", false),
				text("device_id", false), integer("telegram_chat_id"), flag("is_active"),
			},
			indexes: []index{
				{"idx_enrollments_key", true, "schedule_id, participant_id"},
				{"idx_enrollments_participant", false, "participant_id"},
			},
		},
		{
			name: "holidays",
			fields: []core.Field{
				text("date", true), text("name", false),
			},
			indexes: []index{{"idx_holidays_date", true, "date"}},
		},
	}
}

// AttendanceCollections builds every collection the REST store reads and writes.
// Business keys carry unique indexes so create-or-skip and upsert stay idempotent.
func AttendanceCollections() []*core.Collection {
	defs := attendanceDefs()
	out := make([]*core.Collection, 0, len(defs))
	for _, def := range defs {
		collection := core.NewBaseCollection(def.name)
		for _, f := range def.fields {
			collection.Fields.Add(f)
		}
		for _, idx := range def.indexes {
			collection.AddIndex(idx.name, idx.unique, idx.columns, "")
		}
		out = append(out, collection)
	}
	return out
}

func init() {
	core.AppMigrations.Register(func(app core.App) error {
		for _, collection := range AttendanceCollections() {
			if _, err := app.FindCollectionByNameOrId(collection.Name); err == nil {
				continue
			}
			if err := app.Save(collection); err != nil {
				return err
			}
		}
		return nil
	}, func(app core.App) error {
		defs := attendanceDefs()
		for i := len(defs) - 1; i >= 0; i-- {
			collection, err := app.FindCollectionByNameOrId(defs[i].name)
			if err != nil {
				continue
			}
			if err := app.Delete(collection); err != nil {
				return err
			}
		}
		return nil
	})
}
