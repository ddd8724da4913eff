package mongoutil

import (
	"context"
	"time"

	"github.com/EY-Engage/realtime-core/tools/errs"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Config represents the MongoDB configuration.
type Config struct {
	Uri         string
	Database    string
	Username    string
	Password    string
	AuthSource  string
	MaxPoolSize int
	MaxRetry    int
}

func (c *Config) normalize() error {
	if c.Uri == "" {
		return errs.New("mongo uri is required")
	}
	if c.Database == "" {
		return errs.New("mongo database is required")
	}
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = 20
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = 3
	}
	if c.AuthSource == "" {
		c.AuthSource = "admin"
	}
	return nil
}

// 将 Config 应用到 ClientOptions
func applyConfigToOptions(cfg *Config) *options.ClientOptions {
	opts := options.Client().ApplyURI(cfg.Uri)
	opts.SetMaxPoolSize(uint64(cfg.MaxPoolSize))
	if cfg.Username != "" {
		opts.SetAuth(options.Credential{
			Username:   cfg.Username,
			Password:   cfg.Password,
			AuthSource: cfg.AuthSource,
		})
	}
	return opts
}

type Client struct {
	cli *mongo.Client
	db  *mongo.Database
}

func (c *Client) GetDB() *mongo.Database { return c.db }

func (c *Client) Close(ctx context.Context) error {
	return c.cli.Disconnect(ctx)
}

// NewMongoDB initializes a new MongoDB connection with bounded retry.
func NewMongoDB(ctx context.Context, cfg *Config) (*Client, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	opts := applyConfigToOptions(cfg)

	var (
		cli *mongo.Client
		err error
	)
	for i := 0; i < cfg.MaxRetry; i++ {
		cli, err = connectMongo(ctx, opts)
		if err == nil {
			break
		}
		time.Sleep(time.Second / 2)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "failed to connect to MongoDB", "URI", cfg.Uri)
	}
	return &Client{cli: cli, db: cli.Database(cfg.Database)}, nil
}

func connectMongo(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cli, err := mongo.Connect(cctx, opts)
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(cctx, readpref.Primary()); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, err
	}
	return cli, nil
}
