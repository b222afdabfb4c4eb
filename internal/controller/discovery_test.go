package controller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsyorkd/fleet-controller/internal/logger"
	"github.com/dsyorkd/fleet-controller/internal/models"
	"github.com/dsyorkd/fleet-controller/internal/notify"
	"github.com/dsyorkd/fleet-controller/internal/storage"
	"github.com/dsyorkd/fleet-controller/pkg/discovery"
)

func TestRegistrar_Register(t *testing.T) {
	newRegistrar := func(t *testing.T) (*Registrar, *storage.Database, *recordingPublisher) {
		store, err := storage.NewForTest(t.TempDir(), logger.Discard())
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		events := &recordingPublisher{}
		return NewRegistrar(store, events, logger.Discard()), store, events
	}

	found := discovery.Node{
		ID:        "web-1._fleet-node._tcp.local.",
		Name:      "web-1",
		IPAddress: "10.0.0.5",
		TXTRecords: map[string]string{
			discovery.TXTCores:    "4",
			discovery.TXTMemoryGB: "8",
			discovery.TXTService:  "fleet-web",
		},
	}

	t.Run("should register an unseen host as an unassigned offline node", func(t *testing.T) {
		registrar, store, events := newRegistrar(t)

		node, err := registrar.Register(found)
		require.NoError(t, err)
		require.NotNil(t, node)

		stored, err := store.GetNode(node.ID)
		require.NoError(t, err)
		assert.Equal(t, models.NodeStatusOffline, stored.Status)
		assert.Nil(t, stored.ClusterID)
		assert.Equal(t, 4, stored.CPUCores)
		assert.Equal(t, 8.0, stored.MemoryGB)
		assert.Equal(t, "fleet-web", stored.ServiceName)
		assert.Equal(t, 22, stored.SSHPort)

		require.Len(t, events.events, 1)
		assert.Equal(t, notify.EventNodeDiscovered, events.events[0].Type)
	})

	t.Run("should skip hosts that are already registered", func(t *testing.T) {
		registrar, _, events := newRegistrar(t)

		_, err := registrar.Register(found)
		require.NoError(t, err)
		again, err := registrar.Register(found)
		require.NoError(t, err)
		assert.Nil(t, again)
		assert.Len(t, events.events, 1)
	})

	t.Run("should name anonymous hosts after their address", func(t *testing.T) {
		registrar, _, _ := newRegistrar(t)

		node, err := registrar.Register(discovery.Node{IPAddress: "10.0.0.6"})
		require.NoError(t, err)
		assert.Equal(t, "node-10-0-0-6", node.Name)
	})
}
