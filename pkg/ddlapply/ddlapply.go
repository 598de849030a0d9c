// Package ddlapply implements the DDL Event Applier (C8): it drains the
// Primary's Service Broker queue and translates each event into a precise,
// idempotent Replica-side statement, so genuine renames and drops are
// mirrored while the additive-only Schema Cloner (pkg/schema) never has to
// guess at destructive changes.
package ddlapply

import (
	"context"
	"database/sql"
	"encoding/xml"
	"errors"
	"fmt"
	"time"

	"github.com/block/mssql-replicator/pkg/dbconn"
	"github.com/block/mssql-replicator/pkg/table"
	"github.com/siddontang/loggers"
)

// queueName is the Service Broker queue spec.md §6 requires to already
// exist on the Primary (created by the operator's own DDL, not by this
// package).
const queueName = "SyncDDLQueue"

// receiveTimeout bounds how long one RECEIVE blocks waiting for a message
// before returning empty-handed, so the applier loop can still observe
// ctx cancellation between polls.
const receiveTimeout = 5 * time.Second

// EventType enumerates the Service Broker event kinds this applier
// recognizes (spec.md §4.8). Anything else is logged and skipped.
type EventType string

const (
	EventRename      EventType = "RENAME"
	EventAddColumn   EventType = "ALTER_TABLE_ADD"
	EventDropColumn  EventType = "ALTER_TABLE_DROP"
	EventCreateTable EventType = "CREATE_TABLE"
	EventDropTable   EventType = "DROP_TABLE"
)

// event is the XML payload shape carried by each Service Broker message
// (spec.md §4.8: "XML describing event type, schema, object, and (for
// renames) old/new names").
type event struct {
	XMLName xml.Name  `xml:"Event"`
	Type    EventType `xml:"Type"`
	Schema  string    `xml:"Schema"`
	Object  string    `xml:"Object"` // table name
	Column  string    `xml:"Column"` // column name, for ADD/DROP COLUMN and RENAME's old name

	NewName    string `xml:"NewName"`    // RENAME only
	ColumnType string `xml:"ColumnType"` // ADD COLUMN only
	Nullable   bool   `xml:"Nullable"`   // ADD COLUMN only
}

// Applier drains SyncDDLQueue on the Primary and replays each event against
// the Replica.
type Applier struct {
	primary *sql.DB
	replica *sql.DB
	dbconf  *dbconn.DBConfig
	log     loggers.Advanced
}

// NewApplier wires an Applier.
func NewApplier(primary, replica *sql.DB, dbconf *dbconn.DBConfig, log loggers.Advanced) *Applier {
	return &Applier{primary: primary, replica: replica, dbconf: dbconf, log: log}
}

// Run drains the queue until ctx is cancelled. A receive timeout is not an
// error: it just means no DDL happened recently, and Run loops around.
func (a *Applier) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		drained, err := a.drainOne(ctx)
		if err != nil {
			a.log.Warnf("ddlapply: %v", err)
		}
		if !drained {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

// drainOne receives and applies exactly one message, reporting whether a
// message was actually available (false on a receive timeout).
func (a *Applier) drainOne(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, receiveTimeout)
	defer cancel()

	msg, conversationHandle, ok, err := a.receive(ctx)
	if err != nil {
		return false, fmt.Errorf("receive: %w", err)
	}
	if !ok {
		return false, nil
	}

	var ev event
	if err := xml.Unmarshal(msg, &ev); err != nil {
		// A message we cannot even parse is logged and dropped rather than
		// retried forever (it will never parse differently next time).
		a.log.Errorf("ddlapply: malformed event, dropping: %v", err)
		return true, a.endConversation(ctx, conversationHandle)
	}

	if err := a.apply(ctx, ev); err != nil {
		return true, fmt.Errorf("apply %s on %s.%s: %w", ev.Type, ev.Schema, ev.Object, err)
	}
	return true, a.endConversation(ctx, conversationHandle)
}

// receive issues one RECEIVE TOP(1) against SyncDDLQueue, blocking server-side
// up to receiveTimeout. It returns (nil, "", false, nil) on a timeout.
func (a *Applier) receive(ctx context.Context) ([]byte, string, bool, error) {
	const q = `
WAITFOR (
	RECEIVE TOP(1)
		CAST(message_body AS NVARCHAR(MAX)) AS body,
		CAST(conversation_handle AS NVARCHAR(64)) AS handle
	FROM SyncDDLQueue
), TIMEOUT @p1`

	rows, err := a.primary.QueryContext(ctx, q, int(receiveTimeout/time.Millisecond))
	if err != nil {
		return nil, "", false, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, "", false, rows.Err()
	}
	var body, handle string
	if err := rows.Scan(&body, &handle); err != nil {
		return nil, "", false, err
	}
	return []byte(body), handle, true, rows.Err()
}

// endConversation acknowledges the message by ending its Service Broker
// conversation, matching the "processed and then acknowledged" contract of
// spec.md §4.8. At-least-once delivery is relied upon if this fails, so
// every apply() handler below must itself be idempotent.
func (a *Applier) endConversation(ctx context.Context, handle string) error {
	const q = `END CONVERSATION @p1`
	_, err := a.primary.ExecContext(ctx, q, handle)
	return err
}

// apply dispatches one event to its Replica-side statement. Every statement
// is IF EXISTS-guarded (or equivalent) so a redelivered message is a no-op
// the second time, mirroring the teacher's DROP TABLE IF EXISTS idiom in
// pkg/migration/runner.go's createNewTable/dropOldTable.
func (a *Applier) apply(ctx context.Context, ev event) error {
	switch ev.Type {
	case EventRename:
		return a.rename(ctx, ev)
	case EventAddColumn:
		return a.addColumn(ctx, ev)
	case EventDropColumn:
		return a.dropColumn(ctx, ev)
	case EventCreateTable:
		// The Schema Cloner picks this up on its next discovery tick
		// (spec.md §4.8: "ignored here").
		return nil
	case EventDropTable:
		return a.dropTable(ctx, ev)
	default:
		a.log.Warnf("ddlapply: unknown event type %q, ignoring", ev.Type)
		return nil
	}
}

func (a *Applier) rename(ctx context.Context, ev event) error {
	if ev.Column == "" || ev.NewName == "" {
		return errors.New("rename event missing old/new column name")
	}
	if !a.columnExists(ctx, ev.Schema, ev.Object, ev.Column) {
		// Already renamed by a prior, redelivered message.
		return nil
	}
	target := fmt.Sprintf("%s.%s.%s", ev.Schema, ev.Object, ev.Column)
	_, err := a.replica.ExecContext(ctx, "EXEC sp_rename @p1, @p2, 'COLUMN'", target, ev.NewName)
	if err != nil {
		return fmt.Errorf("sp_rename %s -> %s: %w", target, ev.NewName, err)
	}
	return nil
}

func (a *Applier) addColumn(ctx context.Context, ev event) error {
	if a.columnExists(ctx, ev.Schema, ev.Object, ev.Column) {
		return nil
	}
	null := "NOT NULL"
	if ev.Nullable {
		null = "NULL"
	}
	stmt := fmt.Sprintf("ALTER TABLE %s.%s ADD %s %s %s",
		table.QuoteIdentifier(ev.Schema), table.QuoteIdentifier(ev.Object),
		table.QuoteIdentifier(ev.Column), ev.ColumnType, null)
	_, err := a.replica.ExecContext(ctx, stmt)
	return err
}

// dropColumn is the only sanctioned path for destructive column removal
// (spec.md §4.8): the Cloner never drops a column on its own.
func (a *Applier) dropColumn(ctx context.Context, ev event) error {
	if !a.columnExists(ctx, ev.Schema, ev.Object, ev.Column) {
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %s.%s DROP COLUMN %s",
		table.QuoteIdentifier(ev.Schema), table.QuoteIdentifier(ev.Object),
		table.QuoteIdentifier(ev.Column))
	_, err := a.replica.ExecContext(ctx, stmt)
	return err
}

func (a *Applier) dropTable(ctx context.Context, ev event) error {
	stmt := fmt.Sprintf("DROP TABLE IF EXISTS %s.%s",
		table.QuoteIdentifier(ev.Schema), table.QuoteIdentifier(ev.Object))
	_, err := a.replica.ExecContext(ctx, stmt)
	return err
}

func (a *Applier) columnExists(ctx context.Context, schemaName, tableName, columnName string) bool {
	const q = `
SELECT 1
FROM sys.columns c
JOIN sys.objects o ON o.object_id = c.object_id
WHERE schema_name(o.schema_id) = @p1 AND o.name = @p2 AND c.name = @p3`
	var one int
	err := a.replica.QueryRowContext(ctx, q, schemaName, tableName, columnName).Scan(&one)
	return err == nil
}
