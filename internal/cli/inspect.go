package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"playerdata/internal/stats"
	"playerdata/pkg/codec"
	"playerdata/pkg/store"
	"playerdata/pkg/worker"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// InspectResult is what inspect reports about one entity
type InspectResult struct {
	EntityID      string      `json:"entity_id"`
	DisplayName   string      `json:"display_name,omitempty"`
	MobsKilled    int64       `json:"mobs_killed"`
	PlayersKilled int64       `json:"players_killed"`
	Deaths        int64       `json:"deaths"`
	KDRatio       float64     `json:"kd_ratio"`
	PlaytimeHours float64     `json:"playtime_hours"`
	Balance       float64     `json:"balance"`
	UpdatedAt     *time.Time  `json:"updated_at,omitempty"`
	Contents      codec.Slots `json:"contents,omitempty"`
	Armor         codec.Slots `json:"armor,omitempty"`
	CorruptFields []string    `json:"corrupt_fields,omitempty"`
	HasStats      bool        `json:"has_stats"`
	HasPayload    bool        `json:"has_payload"`
}

// NewInspectCommand creates the inspect command
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <uuid|display-name>",
		Short: "Show the stored stats and inventory of an entity",
		Long: `Look an entity up by id, or by its last known display name ignoring case,
and print what the store holds for it.

Exit codes:
  0 - Entity found
  1 - No such entity
  2 - Command error

Examples:
  playerctl inspect 8f14e45f-ceea-4e7a-9c3b-1f2d3c4b5a69
  playerctl inspect Steve --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			st, err := rootOpts.openStore(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open store", err)
			}
			defer st.Close()

			result, err := inspect(ctx, st, rootOpts, args[0])
			if err != nil {
				return err
			}
			return writeInspect(cmd.OutOrStdout(), rootOpts.Format, result)
		},
	}
}

func inspect(ctx context.Context, st store.Store, rootOpts *RootOptions, ref string) (InspectResult, error) {
	// Lookups never flush, so the pool is never started
	sts := stats.NewManager(st, worker.NewPool(rootOpts.logger, 1, 1), rootOpts.logger, stats.Options{})

	id, err := uuid.Parse(ref)
	if err != nil {
		var found bool
		id, found, err = sts.FindByDisplayName(ctx, ref)
		if err != nil {
			return InspectResult{}, WrapExitError(ExitCommandError, "failed to look up display name", err)
		}
		if !found {
			return InspectResult{}, WrapExitError(ExitFailure, fmt.Sprintf("no entity named %q", ref), nil)
		}
	}

	result := InspectResult{EntityID: id.String()}

	rec, hasStats, err := sts.Lookup(ctx, id)
	if err != nil {
		return InspectResult{}, WrapExitError(ExitCommandError, "failed to read stats", err)
	}
	if hasStats {
		result.HasStats = true
		result.DisplayName = rec.DisplayName
		result.MobsKilled = rec.MobsKilled
		result.PlayersKilled = rec.PlayersKilled
		result.Deaths = rec.Deaths
		result.KDRatio = stats.KDRatio(rec)
		result.PlaytimeHours = rec.PlaytimeHours
		result.Balance = rec.Balance
		if !rec.UpdatedAt.IsZero() {
			updated := rec.UpdatedAt
			result.UpdatedAt = &updated
		}
	}

	payload, hasPayload, err := st.GetPayload(ctx, id)
	if err != nil {
		return InspectResult{}, WrapExitError(ExitCommandError, "failed to read payload", err)
	}
	if hasPayload {
		result.HasPayload = true
		result.Contents = decodeForDisplay(payload.Primary, "contents", &result.CorruptFields)
		result.Armor = decodeForDisplay(payload.Secondary, "armor", &result.CorruptFields)
	}

	if !hasStats && !hasPayload {
		return InspectResult{}, WrapExitError(ExitFailure, fmt.Sprintf("entity %s has no stored data", id), nil)
	}
	return result, nil
}

func decodeForDisplay(text *string, field string, corrupt *[]string) codec.Slots {
	if text == nil {
		return nil
	}
	slots, err := codec.Decode(*text)
	if err != nil {
		*corrupt = append(*corrupt, field)
		return nil
	}
	return slots
}

func writeInspect(w io.Writer, format string, r InspectResult) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	fmt.Fprintf(w, "Entity:     %s\n", r.EntityID)
	if r.HasStats {
		fmt.Fprintf(w, "Name:       %s\n", r.DisplayName)
		fmt.Fprintf(w, "Mob kills:  %d\n", r.MobsKilled)
		fmt.Fprintf(w, "PvP kills:  %d\n", r.PlayersKilled)
		fmt.Fprintf(w, "Deaths:     %d (K/D %.2f)\n", r.Deaths, r.KDRatio)
		fmt.Fprintf(w, "Playtime:   %.2fh\n", r.PlaytimeHours)
		fmt.Fprintf(w, "Balance:    %.2f\n", r.Balance)
		if r.UpdatedAt != nil {
			fmt.Fprintf(w, "Updated:    %s\n", r.UpdatedAt.Format(time.RFC3339))
		}
	} else {
		fmt.Fprintln(w, "Stats:      none")
	}

	if r.HasPayload {
		fmt.Fprintf(w, "Inventory:  %d/%d slots used\n", r.Contents.Occupied(), len(r.Contents))
		for i, item := range r.Contents {
			if item != nil {
				fmt.Fprintf(w, "  [%d] %s x%d\n", i, item.Type, item.Amount)
			}
		}
		fmt.Fprintf(w, "Armor:      %d/%d slots used\n", r.Armor.Occupied(), len(r.Armor))
		for _, field := range r.CorruptFields {
			fmt.Fprintf(w, "Warning:    %s payload is corrupt\n", field)
		}
	} else {
		fmt.Fprintln(w, "Inventory:  none")
	}
	return nil
}
