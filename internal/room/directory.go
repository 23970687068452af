// internal/room/directory.go
package room

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/farkle/internal/models"
	"github.com/jason-s-yu/farkle/internal/store"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNameTaken is returned when a connected member already uses the name.
	ErrNameTaken = errors.New("name already taken in this room")
	// ErrInvalidName is returned for empty names or names with reserved characters.
	ErrInvalidName = errors.New("invalid player name")
	// ErrNotHost is returned when a host-only action is attempted by another member.
	ErrNotHost = errors.New("only the host can do that")
	// ErrNotMember is returned when the named player is not in the room.
	ErrNotMember = errors.New("player is not a member of this room")
)

// Directory owns room membership: join, reconnect, leave and host election.
// It works against one store client, so its writes come from that client.
type Directory struct {
	st  store.Store
	log *logrus.Entry
	now func() time.Time
}

// NewDirectory wraps a store client. A nil logger falls back to the standard logrus logger.
func NewDirectory(st store.Store, logger *logrus.Entry) *Directory {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Directory{st: st, log: logger, now: time.Now}
}

// Membership describes the outcome of a successful join.
type Membership struct {
	Key         string
	DisplayName string
	Name        string
	IsHost      bool
	Reconnected bool
}

// Load reads and decodes a room.
func (d *Directory) Load(ctx context.Context, key string) (*models.Room, error) {
	raw, err := d.st.Once(ctx, models.RoomPath(key))
	if err != nil {
		return nil, fmt.Errorf("read room %s: %w", key, err)
	}
	return models.DecodeRoom(key, raw)
}

// Join adds name to the room, creating the room on first join. A name held by
// a disconnected member is treated as that member reconnecting.
func (d *Directory) Join(ctx context.Context, roomName, name string) (*Membership, error) {
	key, err := models.CanonicalRoomKey(roomName)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if store.ValidateSegment(name) != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	room, err := d.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing := room.Player(name); existing != nil {
		if existing.IsConnected {
			return nil, fmt.Errorf("%w: %s", ErrNameTaken, name)
		}
		return d.reconnect(ctx, room, existing)
	}

	now := d.now().UnixMilli()
	p := models.Player{
		Name:           name,
		State:          models.StateWaiting,
		StateTimestamp: now,
		IsConnected:    true,
		JoinedAt:       now,
	}
	updates := make(map[string]any)
	if len(room.Players) == 0 && room.DisplayName == "" {
		updates[store.Join(models.RoomPath(key), "displayName")] = strings.TrimSpace(roomName)
		updates[models.SettingsPath(key)] = models.DefaultSettings().Record()
		updates[store.Join(models.GameStatePath(key), "gameId")] = uuid.NewString()
		room.DisplayName = strings.TrimSpace(roomName)
	}

	roster := append(room.Roster(), &p)
	host := ElectHost(roster, room.HostID)
	if host != room.HostID {
		updates[models.HostPath(key)] = host
		if prev := room.Player(room.HostID); prev != nil {
			updates[models.PlayerField(key, prev.Name, "isHost")] = false
		}
		if host != name {
			updates[models.PlayerField(key, host, "isHost")] = true
		}
	}
	p.IsHost = host == name
	updates[models.PlayerPath(key, name)] = p.Record()

	if err := d.st.Update(ctx, updates); err != nil {
		return nil, fmt.Errorf("join %s as %s: %w", key, name, err)
	}
	if err := d.registerPresence(ctx, key, name); err != nil {
		return nil, err
	}
	d.log.WithFields(logrus.Fields{"room": key, "player": name, "host": p.IsHost}).Info("player joined room")
	return &Membership{Key: key, DisplayName: room.DisplayName, Name: name, IsHost: p.IsHost}, nil
}

// reconnect flips a disconnected member back online. Score, state and host
// flag are left untouched.
func (d *Directory) reconnect(ctx context.Context, room *models.Room, p *models.Player) (*Membership, error) {
	key := room.Key
	updates := map[string]any{
		models.PlayerField(key, p.Name, "isConnected"): true,
		models.PlayerField(key, p.Name, "lastSeen"):    store.ServerTimestamp,
	}
	host := ElectHost(room.Roster(), room.HostID)
	if host != room.HostID {
		updates[models.HostPath(key)] = host
		updates[models.PlayerField(key, host, "isHost")] = true
	}
	if err := d.st.Update(ctx, updates); err != nil {
		return nil, fmt.Errorf("reconnect %s to %s: %w", p.Name, key, err)
	}
	if err := d.registerPresence(ctx, key, p.Name); err != nil {
		return nil, err
	}
	d.log.WithFields(logrus.Fields{"room": key, "player": p.Name, "score": p.Score}).Info("player reconnected")
	return &Membership{
		Key:         key,
		DisplayName: room.DisplayName,
		Name:        p.Name,
		IsHost:      host == p.Name,
		Reconnected: true,
	}, nil
}

// registerPresence arms the store to mark the member offline if this client drops.
func (d *Directory) registerPresence(ctx context.Context, key, name string) error {
	if err := d.st.OnDisconnectSet(ctx, models.PlayerField(key, name, "isConnected"), false); err != nil {
		return fmt.Errorf("register disconnect handler: %w", err)
	}
	if err := d.st.OnDisconnectSet(ctx, models.PlayerField(key, name, "lastSeen"), store.ServerTimestamp); err != nil {
		return fmt.Errorf("register disconnect handler: %w", err)
	}
	return nil
}

// Leave removes the member record entirely, re-electing the host and dropping
// the member's final-round obligation. A cleared turn pointer makes the
// remaining clients re-derive the active player.
func (d *Directory) Leave(ctx context.Context, key, name string) error {
	room, err := d.Load(ctx, key)
	if err != nil {
		return err
	}
	if err := d.st.CancelOnDisconnect(ctx, models.PlayerPath(key, name)); err != nil {
		d.log.WithError(err).Warn("failed to cancel disconnect handler")
	}
	if room.Player(name) == nil {
		return nil
	}

	updates := map[string]any{models.PlayerPath(key, name): nil}
	remaining := make([]*models.Player, 0, len(room.Players))
	for _, p := range room.Roster() {
		if p.Name != name {
			remaining = append(remaining, p)
		}
	}
	if room.HostID == name || room.Player(room.HostID) == nil {
		host := ElectHost(remaining, "")
		if host == "" {
			updates[models.HostPath(key)] = nil
		} else {
			updates[models.HostPath(key)] = host
			updates[models.PlayerField(key, host, "isHost")] = true
		}
	}
	if _, tracked := room.FinalRound.Tracker[name]; tracked {
		updates[store.Join(models.FinalRoundPath(key), "tracker", name)] = nil
	}
	if room.GameState.CurrentTurn == name {
		updates[store.Join(models.GameStatePath(key), "currentTurn")] = nil
	}
	if err := d.st.Update(ctx, updates); err != nil {
		return fmt.Errorf("leave %s: %w", key, err)
	}
	d.log.WithFields(logrus.Fields{"room": key, "player": name}).Info("player left room")
	return nil
}

// Disconnect marks a member offline without removing it, preserving score
// and turn state for a later reconnect.
func (d *Directory) Disconnect(ctx context.Context, key, name string) error {
	err := d.st.Update(ctx, map[string]any{
		models.PlayerField(key, name, "isConnected"): false,
		models.PlayerField(key, name, "lastSeen"):    store.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("disconnect %s from %s: %w", name, key, err)
	}
	return nil
}

// UpdateSettings replaces the room rules. Only the recorded host may do this.
func (d *Directory) UpdateSettings(ctx context.Context, key, actor string, s models.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	host, err := d.st.Once(ctx, models.HostPath(key))
	if err != nil {
		return fmt.Errorf("read host: %w", err)
	}
	if host != actor {
		return ErrNotHost
	}
	if err := d.st.Update(ctx, map[string]any{models.SettingsPath(key): s.Record()}); err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	d.log.WithFields(logrus.Fields{"room": key, "settings": s}).Info("room settings updated")
	return nil
}

// ClearRoom deletes the whole room. Administrative only.
func (d *Directory) ClearRoom(ctx context.Context, key string) error {
	if err := d.st.Update(ctx, map[string]any{models.RoomPath(key): nil}); err != nil {
		return fmt.Errorf("clear room %s: %w", key, err)
	}
	d.log.WithField("room", key).Warn("room cleared")
	return nil
}

// ElectHost keeps current if that member is still present, else picks the
// first member in roster order. Returns "" for an empty roster.
func ElectHost(roster []*models.Player, current string) string {
	for _, p := range roster {
		if p.Name == current && current != "" {
			return current
		}
	}
	if len(roster) == 0 {
		return ""
	}
	sorted := append([]*models.Player(nil), roster...)
	models.SortRoster(sorted)
	return sorted[0].Name
}
