package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/hacklido/labroom/internal/controlapi"
	"github.com/hacklido/labroom/internal/ociref"
	"github.com/hacklido/labroom/internal/store"
	"gopkg.in/yaml.v3"
)

type RoomsCommand struct {
	Import RoomsImportCommand `cmd:"" help:"Import or update rooms from a YAML catalog"`
	List   RoomsListCommand   `cmd:"" help:"List catalog rooms"`
	Delete RoomsDeleteCommand `cmd:"" help:"Remove a room from the catalog"`
}

type RoomsImportCommand struct {
	Database string `help:"SQLite database path (defaults to runtime config or the data directory)"`

	Path string `arg:"" type:"existingfile" help:"Catalog file (rooms: [...])"`
}

type RoomsListCommand struct {
	Database string `help:"SQLite database path (defaults to runtime config or the data directory)"`
	JSON     bool   `help:"Print rooms as JSON"`
}

type RoomsDeleteCommand struct {
	Database string `help:"SQLite database path (defaults to runtime config or the data directory)"`

	Room string `arg:"" help:"Room id"`
}

type FlagCommand struct {
	Submit FlagSubmitCommand `cmd:"" help:"Submit a flag for a room"`
}

type FlagSubmitCommand struct {
	ClientFlags `embed:""`
	OwnerFlags  `embed:""`

	Room string `arg:"" help:"Room id"`
	Flag string `arg:"" help:"Flag value"`
}

type ProgressCommand struct {
	ClientFlags `embed:""`
	OwnerFlags  `embed:""`
}

type StatsCommand struct {
	ClientFlags `embed:""`

	Limit int `help:"Leaderboard size" default:"10"`
}

type roomCatalog struct {
	Rooms []store.Room `yaml:"rooms"`
}

// loadCatalog parses a room catalog and rejects entries the lifecycle
// manager could not serve.
func loadCatalog(r io.Reader) ([]store.Room, error) {
	var catalog roomCatalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&catalog); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("catalog is empty")
		}
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	seen := make(map[string]struct{}, len(catalog.Rooms))
	for i, room := range catalog.Rooms {
		id := strings.TrimSpace(room.ID)
		if id == "" {
			return nil, fmt.Errorf("rooms[%d]: id is required", i)
		}
		if _, ok := seen[id]; ok {
			return nil, fmt.Errorf("rooms[%d]: duplicate room id %q", i, id)
		}
		seen[id] = struct{}{}

		switch room.LabType {
		case "", store.LabTypeTerminal, store.LabTypeWeb, store.LabTypeCodeEditor:
		default:
			return nil, fmt.Errorf("room %q: unknown lab_type %q", id, room.LabType)
		}
		if room.HasLab && strings.TrimSpace(room.Image) != "" {
			if _, err := ociref.ParseImageReference(room.Image); err != nil {
				return nil, fmt.Errorf("room %q: %w", id, err)
			}
		}
		if len(room.Flags) == 0 {
			return nil, fmt.Errorf("room %q: at least one flag is required", id)
		}
		if room.XPReward < 0 {
			return nil, fmt.Errorf("room %q: xp_reward must not be negative", id)
		}
		catalog.Rooms[i].ID = id
	}
	return catalog.Rooms, nil
}

func openStore(ctx context.Context, flag string, rc *runtimeContext) (*store.Store, error) {
	path, err := resolveDatabasePath(flag, rc.Config)
	if err != nil {
		return nil, err
	}
	return store.Open(ctx, path, store.Options{})
}

func (c *RoomsImportCommand) Run(rc *runtimeContext) error {
	f, err := os.Open(c.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	rooms, err := loadCatalog(f)
	if err != nil {
		return fmt.Errorf("%s: %w", c.Path, err)
	}

	ctx, cancel := commandContext(0)
	defer cancel()
	st, err := openStore(ctx, c.Database, rc)
	if err != nil {
		return err
	}
	defer st.Close()

	for _, room := range rooms {
		if err := st.UpsertRoom(ctx, room); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(rc.Stdout, "imported %d rooms from %s\n", len(rooms), c.Path)
	return err
}

func (c *RoomsListCommand) Run(rc *runtimeContext) error {
	ctx, cancel := commandContext(0)
	defer cancel()
	st, err := openStore(ctx, c.Database, rc)
	if err != nil {
		return err
	}
	defer st.Close()

	rooms, err := st.ListRooms(ctx)
	if err != nil {
		return err
	}
	if c.JSON {
		return writeJSON(rc.Stdout, rooms)
	}
	return printRoomTable(rc.Stdout, rooms)
}

func (c *RoomsDeleteCommand) Run(rc *runtimeContext) error {
	ctx, cancel := commandContext(0)
	defer cancel()
	st, err := openStore(ctx, c.Database, rc)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.DeleteRoom(ctx, c.Room); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("room %q not found", c.Room)
		}
		return err
	}
	_, err = fmt.Fprintf(rc.Stdout, "deleted room %s\n", c.Room)
	return err
}

func (c *FlagSubmitCommand) Run(rc *runtimeContext) error {
	client, err := newClient(c.Host)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(labRequestTimeout)
	defer cancel()

	resp, err := client.SubmitFlag(ctx, &controlapi.SubmitFlagRequest{OwnerID: c.Owner, RoomID: c.Room, Flag: c.Flag})
	if err != nil {
		return err
	}
	if c.JSON {
		if err := writeJSON(rc.Stdout, resp); err != nil {
			return err
		}
	} else {
		colors := paletteFor(rc.Stdout)
		line := colors.paint(colors.bad, resp.Message)
		if resp.Correct {
			line = colors.paint(colors.good, resp.Message)
		}
		if resp.RewardGranted {
			line = fmt.Sprintf("%s +%d XP", line, resp.XPEarned)
		}
		if _, err := fmt.Fprintln(rc.Stdout, line); err != nil {
			return err
		}
	}
	if !resp.Correct {
		return exitCodeError{code: 1}
	}
	return nil
}

func (c *ProgressCommand) Run(rc *runtimeContext) error {
	client, err := newClient(c.Host)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(labRequestTimeout)
	defer cancel()

	resp, err := client.ListProgress(ctx, &controlapi.ListProgressRequest{OwnerID: c.Owner})
	if err != nil {
		return err
	}
	if c.JSON {
		return writeJSON(rc.Stdout, resp)
	}

	if _, err := fmt.Fprintf(rc.Stdout, "user: %s\nxp: %d\ncompleted rooms: %d\n", resp.OwnerID, resp.XP, len(resp.CompletedRooms)); err != nil {
		return err
	}
	if len(resp.Progress) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(rc.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROOM\tCOMPLETED\tSUBMISSIONS")
	for _, p := range resp.Progress {
		fmt.Fprintf(tw, "%s\t%t\t%d\n", p.RoomID, p.Completed, len(p.SubmittedFlags))
	}
	return tw.Flush()
}

func (c *StatsCommand) Run(rc *runtimeContext) error {
	client, err := newClient(c.Host)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(labRequestTimeout)
	defer cancel()

	resp, err := client.GetStats(ctx, &controlapi.GetStatsRequest{LeaderboardLimit: c.Limit})
	if err != nil {
		return err
	}
	if c.JSON {
		return writeJSON(rc.Stdout, resp)
	}
	return printStats(rc.Stdout, resp)
}

func printStats(w io.Writer, stats *controlapi.GetStatsResponse) error {
	if _, err := fmt.Fprintf(w, "runtime: %s\nusers: %d\nrooms: %d\nlab sessions: %d (%d active)\n",
		stats.Backend, stats.TotalUsers, stats.TotalRooms, stats.TotalSessions, stats.ActiveSessions); err != nil {
		return err
	}
	if len(stats.Leaderboard) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nRANK\tUSER\tXP\tROOMS")
	for i, entry := range stats.Leaderboard {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\n", i+1, entry.UserID, entry.XP, entry.CompletedRooms)
	}
	return tw.Flush()
}

func printRoomTable(w io.Writer, rooms []store.Room) error {
	if len(rooms) == 0 {
		_, err := io.WriteString(w, "no rooms\n")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tDIFFICULTY\tLAB\tIMAGE\tXP")
	for _, room := range rooms {
		lab := "-"
		if room.HasLab {
			lab = room.LabType
		}
		image := room.Image
		if image == "" {
			image = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n", room.ID, room.Title, room.Difficulty, lab, image, room.XPReward)
	}
	return tw.Flush()
}
