package engine

import (
	"context"
	"time"

	"github.com/miradorstack/topdesk-stats/internal/models"
	"github.com/miradorstack/topdesk-stats/internal/repo"
)

// Session is the scoped connection a coordinator holds for one refresh.
type Session interface {
	FetchVersion(ctx context.Context) (string, error)
	FetchCategoryCounts(ctx context.Context, category models.Category) (models.RawCounts, error)
	Close() error
}

// Client opens sessions against one TOPdesk instance.
type Client interface {
	Open() Session
}

// ClientFactory builds the client of a configured instance.
type ClientFactory func(instance models.Instance) (Client, error)

type topdeskClient struct {
	client *repo.TOPdeskClient
}

func (c topdeskClient) Open() Session {
	return c.client.Open()
}

// TOPdeskClientFactory returns a factory producing HTTP clients that share the given
// timeout and pacing settings. Every category of an instance shares one client, so the
// pacing burst covers a refresh of all of them at once.
func TOPdeskClientFactory(requestTimeout time.Duration, requestsPerSecond float64) ClientFactory {
	return func(instance models.Instance) (Client, error) {
		client, err := repo.NewTOPdeskClient(repo.ClientConfig{
			Host:              instance.Host,
			Username:          instance.Username,
			Password:          instance.Password,
			RequestTimeout:    requestTimeout,
			RequestsPerSecond: requestsPerSecond,
			Burst:             len(instance.Categories) * models.MaxCallsPerRefresh(),
		})
		if err != nil {
			return nil, err
		}
		return topdeskClient{client: client}, nil
	}
}
