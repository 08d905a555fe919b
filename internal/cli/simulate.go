package cli

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"time"

	"playerdata/pkg/bus"
	"playerdata/pkg/codec"
	"playerdata/pkg/events"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var simulatedItems = []string{
	"minecraft:stone",
	"minecraft:oak_log",
	"minecraft:iron_ingot",
	"minecraft:bread",
	"minecraft:arrow",
	"minecraft:torch",
}

var simulatedArmor = []string{
	"minecraft:iron_boots",
	"minecraft:iron_leggings",
	"minecraft:iron_chestplate",
	"minecraft:iron_helmet",
}

// SimulateOptions holds flags for the simulate command
type SimulateOptions struct {
	*RootOptions
	Entities  int
	Mutations int
	MobKills  int
	Interval  time.Duration
	Topic     string
	Seed      int64
}

// NewSimulateCommand creates the simulate command
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Publish synthetic host events to Kafka",
		Long: `Publish a session for each synthetic entity: activate, a burst of inventory
mutations and mob kills, a death, then deactivate. Useful for load testing the
syncer.

Examples:
  playerctl simulate --entities 100 --mutations 20
  playerctl simulate --entities 5 --interval 200ms --topic player-events-dev`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rootOpts.cfg.Kafka.Validate(); err != nil {
				return WrapExitError(ExitCommandError, "invalid kafka config", err)
			}
			topic := opts.Topic
			if topic == "" {
				topic = rootOpts.cfg.Kafka.Topic
			}

			w := bus.NewKafkaWriter(bus.WriterConfig{Brokers: rootOpts.cfg.Kafka.Brokers, Topic: topic})
			defer w.Close()

			sent, err := runSimulate(cmd.Context(), w, opts, time.Now, cmd.OutOrStdout())
			if err != nil {
				return WrapExitError(ExitCommandError, fmt.Sprintf("simulation stopped after %d events", sent), err)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&opts.Entities, "entities", 10, "number of synthetic entities")
	cmd.Flags().IntVar(&opts.Mutations, "mutations", 5, "inventory mutations per entity")
	cmd.Flags().IntVar(&opts.MobKills, "mob-kills", 3, "mob kills per entity")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "pause between events")
	cmd.Flags().StringVar(&opts.Topic, "topic", "", "topic to publish to (defaults to kafka.topic)")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 0, "random seed (0 picks one)")

	return cmd
}

// runSimulate publishes every synthetic session and returns how many events
// were sent
func runSimulate(ctx context.Context, pub bus.Publisher, opts *SimulateOptions, now func() time.Time, out io.Writer) (int, error) {
	seed := opts.Seed
	if seed == 0 {
		seed = now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	sent := 0
	for i := 0; i < opts.Entities; i++ {
		id := uuid.New()
		for _, ev := range session(rng, id, fmt.Sprintf("sim_%d", i), opts, now) {
			data, err := events.Marshal(ev)
			if err != nil {
				return sent, err
			}
			if err := pub.Publish(ctx, []byte(id.String()), data); err != nil {
				return sent, err
			}
			sent++

			if opts.Interval > 0 {
				select {
				case <-ctx.Done():
					return sent, ctx.Err()
				case <-time.After(opts.Interval):
				}
			}
		}
	}

	fmt.Fprintf(out, "published %d events for %d entities\n", sent, opts.Entities)
	return sent, nil
}

func session(rng *rand.Rand, id uuid.UUID, name string, opts *SimulateOptions, now func() time.Time) []events.Event {
	evs := []events.Event{{Type: events.Activate, EntityID: id, DisplayName: name, At: now()}}

	for m := 0; m < opts.Mutations; m++ {
		inv := randomInventory(rng)
		evs = append(evs, events.Event{Type: events.Mutate, EntityID: id, Inventory: &inv, At: now()})
	}
	for k := 0; k < opts.MobKills; k++ {
		evs = append(evs, events.Event{Type: events.MobKill, EntityID: id, At: now()})
	}

	evs = append(evs,
		events.Event{Type: events.Death, EntityID: id, At: now()},
		events.Event{Type: events.Deactivate, EntityID: id, At: now()},
	)
	return evs
}

func randomInventory(rng *rand.Rand) events.Inventory {
	contents := make(codec.Slots, 36)
	for i := range contents {
		if rng.Intn(3) == 0 {
			contents[i] = &codec.ItemStack{
				Type:   simulatedItems[rng.Intn(len(simulatedItems))],
				Amount: rng.Intn(64) + 1,
			}
		}
	}

	armor := make(codec.Slots, len(simulatedArmor))
	for i, piece := range simulatedArmor {
		if rng.Intn(2) == 0 {
			armor[i] = &codec.ItemStack{Type: piece, Amount: 1}
		}
	}
	return events.Inventory{Contents: contents, Armor: armor}
}
