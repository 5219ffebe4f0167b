// Copyright 2025 James Ross
package pluginmanager

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gauntlet-run/plugin-core/internal/commandbus"
	"github.com/gauntlet-run/plugin-core/internal/pluginmodel"
	"github.com/gauntlet-run/plugin-core/internal/repository"
	"github.com/gauntlet-run/plugin-core/internal/searchindex"
	"github.com/gauntlet-run/plugin-core/internal/uibridge"
)

func TestPluginManagerSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Plugin Manager Suite")
}

var _ = Describe("Manager 3-state lifecycle", func() {
	var (
		m     *Manager
		store *repository.Store
		mr    *miniredis.MiniRedis
		ctx   context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		store, err = repository.Open(":memory:")
		Expect(err).NotTo(HaveOccurred())

		mr = miniredis.NewMiniRedis()
		Expect(mr.Start()).To(Succeed())
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		index := searchindex.New(client)

		bus := commandbus.NewLocal(0, nil)
		events := make(chan uibridge.PluginEvent)
		m = New(store, bus, index, fakeUI{}, events, nil, zap.NewNop())

		write := pluginmodel.WritePlugin{
			Plugin: pluginmodel.PluginRecord{
				ID:      "plugin-a",
				Name:    "Sample",
				Enabled: true,
				Code:    pluginmodel.PluginCode{"main": `export default function() { return 1; }`},
			},
			Entrypoints: []pluginmodel.Entrypoint{
				{ID: "main", Name: "Main", Kind: pluginmodel.EntrypointView, Enabled: true},
			},
		}
		Expect(store.SavePlugin(ctx, write)).To(Succeed())
		Expect(m.ReloadAllPlugins(ctx)).To(Succeed())
	})

	AfterEach(func() {
		store.Close()
		mr.Close()
	})

	It("starts idle and moves to running once a view is rendered", func() {
		m.mu.Lock()
		Expect(m.states["plugin-a"]).To(Equal(stateIdle))
		m.mu.Unlock()

		Expect(m.HandleRenderView(ctx, "plugin-a", "main")).To(Succeed())
		Eventually(func() pluginState {
			m.mu.Lock()
			defer m.mu.Unlock()
			return m.states["plugin-a"]
		}, time.Second, 10*time.Millisecond).Should(Equal(stateRunning))

		m.stopPlugin("plugin-a")
	})

	It("rejects a second concurrent render against the same plugin, then allows another after it stops", func() {
		Expect(m.HandleRenderView(ctx, "plugin-a", "main")).To(Succeed())
		Eventually(func() bool {
			m.mu.Lock()
			defer m.mu.Unlock()
			_, live := m.live["plugin-a"]
			return live
		}, time.Second, 10*time.Millisecond).Should(BeTrue())

		Expect(m.startPlugin(ctx, "plugin-a", "main")).To(HaveOccurred())

		m.stopPlugin("plugin-a")
		Eventually(func() pluginState {
			m.mu.Lock()
			defer m.mu.Unlock()
			return m.states["plugin-a"]
		}, time.Second, 10*time.Millisecond).Should(Equal(stateIdle))

		Expect(m.HandleRenderView(ctx, "plugin-a", "main")).To(Succeed())
		m.stopPlugin("plugin-a")
	})

	It("moves straight to disabled when disabled while running, then rejects a fresh start attempt", func() {
		Expect(m.HandleRenderView(ctx, "plugin-a", "main")).To(Succeed())
		Eventually(func() bool {
			m.mu.Lock()
			defer m.mu.Unlock()
			_, live := m.live["plugin-a"]
			return live
		}, time.Second, 10*time.Millisecond).Should(BeTrue())

		Expect(m.SetPluginState(ctx, "plugin-a", false)).To(Succeed())

		m.mu.Lock()
		state := m.states["plugin-a"]
		m.mu.Unlock()
		Expect(state).To(Equal(stateDisabled))

		err := m.startPlugin(ctx, "plugin-a", "main")
		Expect(err).To(HaveOccurred())
	})
})
