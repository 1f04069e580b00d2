package persistence

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func TestMongoDB_Accessors(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("database and collection", func(mt *mtest.T) {
		mdb := &MongoDB{
			logger:   logger,
			client:   mt.Client,
			database: mt.DB,
			timeout:  time.Second,
		}

		assert.Equal(mt, mt.DB, mdb.Database())
		assert.Equal(mt, "donation_events", mdb.Collection("donation_events").Name())
	})

	mt.Run("ping", func(mt *mtest.T) {
		mdb := &MongoDB{
			logger:   logger,
			client:   mt.Client,
			database: mt.DB,
			timeout:  time.Second,
		}
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		assert.NoError(mt, mdb.Ping(context.Background()))
	})
}
