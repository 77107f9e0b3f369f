// Package mongo hosts the MongoDB client used by the teavent store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/teave/teave/runtime/teavent"
)

const (
	defaultCollection = "teavents"
	defaultOpTimeout  = 5 * time.Second
	storeClientName   = "teavent-mongo"
)

type (
	// Client exposes Mongo-backed operations for teavent documents. One
	// document per teavent, keyed by id.
	Client interface {
		health.Pinger

		// Upsert stores the current serialization of t under its id.
		Upsert(ctx context.Context, t *teavent.Teavent) error
		// Delete removes the document for id. Deleting an absent id is a
		// no-op.
		Delete(ctx context.Context, id string) error
		// FetchAll returns every stored teavent. Documents that no longer
		// deserialize are logged and skipped so one bad record cannot block
		// recovery.
		FetchAll(ctx context.Context) ([]*teavent.Teavent, error)
	}

	// Options configures the Mongo teavent client.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	// teaventDocument is the stored shape of a teavent. Times are RFC 3339
	// strings: BSON datetimes are UTC-only and recovery needs the event's
	// original UTC offset to re-derive its timezone, poll anchors and
	// recurrence clock.
	teaventDocument struct {
		ID          string `bson:"id"`
		CalID       string `bson:"cal_id"`
		Summary     string `bson:"summary"`
		Description string `bson:"description"`
		Location    string `bson:"location,omitempty"`

		Start string `bson:"start"`
		End   string `bson:"end"`

		RRule             []string `bson:"rrule,omitempty"`
		RecurringEventID  string   `bson:"recurring_event_id,omitempty"`
		OriginalStartTime string   `bson:"original_start_time"`

		ParticipantIDs []string `bson:"participant_ids"`
		Latees         []string `bson:"latees"`
		State          string   `bson:"state"`
		EffectiveMax   *int     `bson:"effective_max,omitempty"`

		Config configDocument `bson:"config"`

		CommunicationIDs []string `bson:"communication_ids"`
	}

	configDocument struct {
		Max            int    `bson:"max,omitempty"`
		Min            int    `bson:"min,omitempty"`
		StartPollAt    string `bson:"start_poll_at,omitempty"`
		StopPollAt     string `bson:"stop_poll_at,omitempty"`
		StartPollDelta string `bson:"start_poll_delta,omitempty"`
		StopPollDelta  string `bson:"stop_poll_delta,omitempty"`
	}
)

// New returns a Client backed by MongoDB. It validates the options and
// ensures the unique index on id.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(collName)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, coll, timeout)
}

func (c *client) Name() string {
	return storeClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Upsert(ctx context.Context, t *teavent.Teavent) error {
	if t == nil || t.ID == "" {
		return errors.New("teavent id is required")
	}
	doc := fromTeavent(t)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"id": t.ID}
	_, err := c.coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	return err
}

func (c *client) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("teavent id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.coll.DeleteOne(ctx, bson.M{"id": id})
	return err
}

func (c *client) FetchAll(ctx context.Context) ([]*teavent.Teavent, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cur, err := c.coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []*teavent.Teavent
	for cur.Next(ctx) {
		var doc teaventDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		t, err := doc.toTeavent()
		if err != nil {
			log.Errorf(ctx, err, "skipping stored teavent %q", doc.ID)
			continue
		}
		out = append(out, t)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func fromTeavent(t *teavent.Teavent) teaventDocument {
	return teaventDocument{
		ID:                t.ID,
		CalID:             t.CalID,
		Summary:           t.Summary,
		Description:       t.Description,
		Location:          t.Location,
		Start:             t.Start.Format(time.RFC3339Nano),
		End:               t.End.Format(time.RFC3339Nano),
		RRule:             t.RRule,
		RecurringEventID:  t.RecurringEventID,
		OriginalStartTime: t.OriginalStartTime.Format(time.RFC3339Nano),
		ParticipantIDs:    t.ParticipantIDs,
		Latees:            t.Latees,
		State:             string(t.State),
		EffectiveMax:      t.EffectiveMax,
		Config:            fromConfig(t.Config),
		CommunicationIDs:  t.CommunicationIDs,
	}
}

func fromConfig(cfg teavent.Config) configDocument {
	doc := configDocument{Max: cfg.Max, Min: cfg.Min}
	if cfg.StartPollAt != nil {
		doc.StartPollAt = cfg.StartPollAt.String()
	}
	if cfg.StopPollAt != nil {
		doc.StopPollAt = cfg.StopPollAt.String()
	}
	if cfg.StartPollDelta != 0 {
		doc.StartPollDelta = cfg.StartPollDelta.String()
	}
	if cfg.StopPollDelta != 0 {
		doc.StopPollDelta = cfg.StopPollDelta.String()
	}
	return doc
}

func (doc teaventDocument) toTeavent() (*teavent.Teavent, error) {
	start, err := time.Parse(time.RFC3339Nano, doc.Start)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	end, err := time.Parse(time.RFC3339Nano, doc.End)
	if err != nil {
		return nil, fmt.Errorf("end: %w", err)
	}
	originalStart, err := time.Parse(time.RFC3339Nano, doc.OriginalStartTime)
	if err != nil {
		return nil, fmt.Errorf("original_start_time: %w", err)
	}
	cfg, err := doc.Config.toConfig()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	t := &teavent.Teavent{
		ID:                doc.ID,
		CalID:             doc.CalID,
		Summary:           doc.Summary,
		Description:       doc.Description,
		Location:          doc.Location,
		Start:             start,
		End:               end,
		RRule:             doc.RRule,
		RecurringEventID:  doc.RecurringEventID,
		OriginalStartTime: originalStart,
		ParticipantIDs:    doc.ParticipantIDs,
		Latees:            doc.Latees,
		State:             teavent.State(doc.State),
		EffectiveMax:      doc.EffectiveMax,
		Config:            cfg,
		CommunicationIDs:  doc.CommunicationIDs,
	}
	if t.ParticipantIDs == nil {
		t.ParticipantIDs = []string{}
	}
	if t.Latees == nil {
		t.Latees = []string{}
	}
	if t.CommunicationIDs == nil {
		t.CommunicationIDs = []string{}
	}
	return t, nil
}

func (doc configDocument) toConfig() (teavent.Config, error) {
	cfg := teavent.Config{Max: doc.Max, Min: doc.Min}
	if doc.StartPollAt != "" {
		a, err := teavent.ParseAnchor(doc.StartPollAt)
		if err != nil {
			return teavent.Config{}, err
		}
		cfg.StartPollAt = &a
	}
	if doc.StopPollAt != "" {
		a, err := teavent.ParseAnchor(doc.StopPollAt)
		if err != nil {
			return teavent.Config{}, err
		}
		cfg.StopPollAt = &a
	}
	if doc.StartPollDelta != "" {
		d, err := time.ParseDuration(doc.StartPollDelta)
		if err != nil {
			return teavent.Config{}, err
		}
		cfg.StartPollDelta = teavent.Duration(d)
	}
	if doc.StopPollDelta != "" {
		d, err := time.ParseDuration(doc.StopPollDelta)
		if err != nil {
			return teavent.Config{}, err
		}
		cfg.StopPollDelta = teavent.Duration(d)
	}
	return cfg, nil
}

func ensureIndexes(ctx context.Context, coll collection) error {
	idIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, idIndex); err != nil {
		return err
	}
	return nil
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	ReplaceOne(ctx context.Context, filter any, replacement any,
		opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any,
		opts ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error)
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter any, replacement any,
	opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any,
	opts ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any,
	opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
