// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugboard Contributors

//go:build integration

package store_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/plugboard/plugboard/internal/plugin"
	"github.com/plugboard/plugboard/internal/store"
)

// setupPostgresContainer starts a PostgreSQL container, runs migrations,
// and returns a connected store.
func setupPostgresContainer() (*store.Postgres, func(), error) {
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("plugboard_test"),
		postgres.WithUsername("plugboard"),
		postgres.WithPassword("plugboard"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, nil, err
	}

	migrator, err := store.NewMigrator(connStr)
	if err != nil {
		return nil, nil, err
	}
	if err := migrator.Up(); err != nil {
		return nil, nil, err
	}
	_ = migrator.Close()

	s, err := store.NewPostgres(ctx, connStr)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		s.Close()
		_ = container.Terminate(ctx)
	}
	return s, cleanup, nil
}

var _ = Describe("Postgres", func() {
	var s *store.Postgres
	var cleanup func()

	BeforeEach(func() {
		var err error
		s, cleanup, err = setupPostgresContainer()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		cleanup()
	})

	manifest := func(id string) *plugin.Manifest {
		return &plugin.Manifest{
			ID:      id,
			Package: "@acme/" + id,
			Version: "1.0.0",
			Tier:    plugin.TierB,
			Runtime: plugin.RuntimeBuiltin,
		}
	}

	Describe("SaveManifest", func() {
		It("persists and upserts plugin rows", func() {
			ctx := context.Background()

			Expect(s.SaveManifest(ctx, manifest("notes"), 0)).To(Succeed())
			Expect(s.SaveManifest(ctx, manifest("notes"), 3)).To(Succeed(), "re-save is an upsert")

			records, err := s.List(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(1))
			Expect(records[0].ID).To(Equal("notes"))
			Expect(records[0].BootPosition).To(Equal(3))
			Expect(records[0].Status).To(Equal(plugin.StatusPending))
		})
	})

	Describe("RecordStatus", func() {
		It("updates the row and appends history", func() {
			ctx := context.Background()
			Expect(s.SaveManifest(ctx, manifest("notes"), 0)).To(Succeed())

			Expect(s.RecordStatus(ctx, "notes", plugin.StatusBooting, "")).To(Succeed())
			Expect(s.RecordStatus(ctx, "notes", plugin.StatusQuarantined, "syntax error")).To(Succeed())

			records, err := s.List(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(records[0].Status).To(Equal(plugin.StatusQuarantined))
			Expect(records[0].ErrorMessage).To(Equal("syntax error"))

			history, err := s.StatusHistory(ctx, "notes")
			Expect(err).NotTo(HaveOccurred())
			Expect(history).To(HaveLen(2))
			Expect(history[0].Status).To(Equal(plugin.StatusBooting))
			Expect(history[1].Status).To(Equal(plugin.StatusQuarantined))
		})

		It("fails for plugins without a persisted row", func() {
			err := s.RecordStatus(context.Background(), "ghost", plugin.StatusActive, "")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("RecordGrants", func() {
		It("replaces grants wholesale", func() {
			ctx := context.Background()
			Expect(s.SaveManifest(ctx, manifest("notes"), 0)).To(Succeed())

			Expect(s.RecordGrants(ctx, "notes", []string{"app:routes", "app:hooks"})).To(Succeed())
			Expect(s.RecordGrants(ctx, "notes", []string{"app:authz"})).To(Succeed())

			records, err := s.List(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(records[0].Capabilities).To(Equal([]string{"app:authz"}))
		})
	})

	Describe("Delete", func() {
		It("removes the row and cascades grants, keeping history", func() {
			ctx := context.Background()
			Expect(s.SaveManifest(ctx, manifest("notes"), 0)).To(Succeed())
			Expect(s.RecordGrants(ctx, "notes", []string{"app:hooks"})).To(Succeed())
			Expect(s.RecordStatus(ctx, "notes", plugin.StatusActive, "")).To(Succeed())

			Expect(s.Delete(ctx, "notes")).To(Succeed())

			records, err := s.List(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(BeEmpty())

			history, err := s.StatusHistory(ctx, "notes")
			Expect(err).NotTo(HaveOccurred())
			Expect(history).To(HaveLen(1), "history outlives the plugin row")
		})
	})
})
