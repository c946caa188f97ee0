package mongo

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"

	"github.com/loykin/statusd/internal/store"
)

// statusDoc is the persisted document shape. Timestamp stays an ISO-8601
// string so existing collections written by other clients remain readable.
type statusDoc struct {
	ID         string `bson:"id"`
	ClientName string `bson:"client_name"`
	Opened     bool   `bson:"opened"`
	Timestamp  string `bson:"timestamp"`
}

// DB implements store.Backend on MongoDB. Every operation runs on a copy of
// the root session so concurrent requests use the driver's socket pool.
type DB struct {
	session    *mgo.Session
	database   string
	collection string
	unique     bool
}

// New dials the server described by url. The logical database name from
// opts wins over one embedded in the URL.
func New(url string, opts store.Options) (*DB, error) {
	info, err := mgo.ParseURL(url)
	if err != nil {
		return nil, errors.Annotate(err, "parsing mongodb url")
	}
	database := opts.Database
	if database == "" {
		database = info.Database
	}
	if database == "" {
		return nil, errors.New("mongodb database name required")
	}
	info.Timeout = opts.ConnectTimeout
	if info.Timeout <= 0 {
		info.Timeout = 10 * time.Second
	}
	session, err := mgo.DialWithInfo(info)
	if err != nil {
		return nil, errors.Annotatef(err, "dialing mongodb %v", info.Addrs)
	}
	session.SetMode(mgo.Monotonic, true)
	return &DB{
		session:    session,
		database:   database,
		collection: opts.CollectionName(),
		unique:     opts.UniqueClientName,
	}, nil
}

// remaining returns the time left before ctx's deadline. ok is false when
// ctx has none. mgo treats a zero sync timeout as "wait forever", so an
// elapsed deadline is reported as an error instead of a zero duration.
func remaining(ctx context.Context) (d time.Duration, ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0, false, nil
	}
	d = time.Until(deadline)
	if d <= 0 {
		return 0, false, context.DeadlineExceeded
	}
	return d, true, nil
}

// run executes fn against a session copy bounded by ctx's deadline, both
// for acquiring a server and for socket reads.
func (d *DB) run(ctx context.Context, fn func(c *mgo.Collection) error) error {
	timeout, bounded, err := remaining(ctx)
	if err != nil {
		return err
	}
	s := d.session.Copy()
	defer s.Close()
	if bounded {
		s.SetSyncTimeout(timeout)
		s.SetSocketTimeout(timeout)
	}
	return fn(s.DB(d.database).C(d.collection))
}

func (d *DB) Ping(ctx context.Context) error {
	return d.run(ctx, func(c *mgo.Collection) error {
		return c.Database.Session.Ping()
	})
}

func (d *DB) EnsureSchema(ctx context.Context) error {
	idx := mgo.Index{
		Key:        []string{"client_name"},
		Name:       "idx_client_name",
		Background: true,
	}
	if d.unique {
		idx.Name = "ux_client_name"
		idx.Unique = true
	}
	return d.run(ctx, func(c *mgo.Collection) error {
		return errors.Annotatef(c.EnsureIndex(idx), "ensuring index on %s.%s", d.database, d.collection)
	})
}

func (d *DB) FindByClientName(ctx context.Context, name string) (store.Record, error) {
	var doc statusDoc
	err := d.run(ctx, func(c *mgo.Collection) error {
		return c.Find(bson.M{"client_name": name}).One(&doc)
	})
	if err == mgo.ErrNotFound {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, errors.Annotatef(err, "finding client %q", name)
	}
	return fromDoc(doc)
}

func (d *DB) Insert(ctx context.Context, rec store.Record) error {
	doc := statusDoc{
		ID:         rec.ID,
		ClientName: rec.ClientName,
		Opened:     rec.Opened,
		Timestamp:  store.FormatTimestamp(rec.Timestamp),
	}
	err := d.run(ctx, func(c *mgo.Collection) error {
		return c.Insert(doc)
	})
	if mgo.IsDup(err) {
		return errors.Annotatef(store.ErrDuplicate, "client %q", rec.ClientName)
	}
	return errors.Trace(err)
}

func (d *DB) List(ctx context.Context, limit int) ([]store.Record, error) {
	var docs []statusDoc
	err := d.run(ctx, func(c *mgo.Collection) error {
		q := c.Find(nil)
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q.All(&docs)
	})
	if err != nil {
		return nil, errors.Annotate(err, "listing status records")
	}
	out := make([]store.Record, 0, len(docs))
	for _, doc := range docs {
		r, err := fromDoc(doc)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (d *DB) DeleteAll(ctx context.Context) (int64, error) {
	var removed int
	err := d.run(ctx, func(c *mgo.Collection) error {
		info, err := c.RemoveAll(nil)
		if err != nil {
			return err
		}
		removed = info.Removed
		return nil
	})
	if err != nil {
		return 0, errors.Annotate(err, "removing status records")
	}
	return int64(removed), nil
}

func (d *DB) Close() error {
	d.session.Close()
	return nil
}

func fromDoc(doc statusDoc) (store.Record, error) {
	ts, err := store.ParseTimestamp(doc.Timestamp)
	if err != nil {
		return store.Record{}, errors.Annotatef(err, "record %s: bad timestamp %q", doc.ID, doc.Timestamp)
	}
	return store.Record{
		ID:         doc.ID,
		ClientName: doc.ClientName,
		Opened:     doc.Opened,
		Timestamp:  ts,
	}, nil
}
