package offline0_test

import (
	"context"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"offline0/internal/offline0"
)

var _ = Describe("Lifecycle", func() {
	var (
		ctx     context.Context
		storage offline0.CacheStorage
		network *fakeNetwork
		host    *fakeHost
	)

	BeforeEach(func() {
		ctx = context.Background()
		storage = offline0.NewMemoryStorage(0)
		network = newFakeNetwork()
		host = &fakeHost{}
	})

	newLifecycle := func(version string, manifest offline0.Manifest) *offline0.Lifecycle {
		return offline0.NewLifecycle(storage, network, host, offline0.LifecycleOptions{
			Origin:   mustOrigin(),
			Version:  version,
			Manifest: manifest,
		}, nil)
	}

	cacheKeys := func(version string) []string {
		cache, err := storage.Open(ctx, version)
		Expect(err).NotTo(HaveOccurred())
		keys, err := cache.Keys(ctx)
		Expect(err).NotTo(HaveOccurred())
		return keys
	}

	key := func(path string) string {
		return newRequest(http.MethodGet, path, "").Key()
	}

	Describe("Install", func() {
		BeforeEach(func() {
			network.serve("/", "root")
			network.serve("/index.html", "shell")
			network.serve("/app.js", "js")
		})

		It("precaches every manifest entry and asks to skip waiting", func() {
			lc := newLifecycle("v1", offline0.Manifest{Paths: []string{"/", "/index.html", "/app.js"}})

			Expect(lc.Install(ctx)).To(Succeed())

			Expect(cacheKeys("v1")).To(ConsistOf(key("/"), key("/index.html"), key("/app.js")))
			body, found := cachedBody(storage, "v1", key("/index.html"))
			Expect(found).To(BeTrue())
			Expect(body).To(Equal("shell"))

			skip, claims := host.counts()
			Expect(skip).To(Equal(1))
			Expect(claims).To(BeZero())
		})

		It("leaves no generation behind when one entry fails", func() {
			network.serveStatus("/app.js", http.StatusNotFound, "gone")
			lc := newLifecycle("v1", offline0.Manifest{Paths: []string{"/", "/index.html", "/app.js"}})

			err := lc.Install(ctx)
			Expect(err).To(MatchError(offline0.ErrInstallFailed))

			has, err := storage.Has(ctx, "v1")
			Expect(err).NotTo(HaveOccurred())
			Expect(has).To(BeFalse())

			skip, _ := host.counts()
			Expect(skip).To(BeZero())
		})

		It("fails when the network is unreachable", func() {
			network.setOffline(true)
			lc := newLifecycle("v1", offline0.Manifest{Paths: []string{"/"}})

			err := lc.Install(ctx)
			Expect(err).To(MatchError(offline0.ErrInstallFailed))
			Expect(err).To(MatchError(errOffline))

			names, err := storage.Keys(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(names).To(BeEmpty())
		})

		It("keeps a generation that existed before a failed reinstall", func() {
			lc := newLifecycle("v1", offline0.Manifest{Paths: []string{"/", "/index.html"}})
			Expect(lc.Install(ctx)).To(Succeed())

			network.serveStatus("/index.html", http.StatusServiceUnavailable, "down")
			Expect(lc.Install(ctx)).To(MatchError(offline0.ErrInstallFailed))

			Expect(cacheKeys("v1")).To(ConsistOf(key("/"), key("/index.html")))
			body, _ := cachedBody(storage, "v1", key("/index.html"))
			Expect(body).To(Equal("shell"))
		})

		It("adds same-origin sitemap locations to the manifest", func() {
			network.serve("/about", "about")
			network.serve("/sitemap.xml", `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://app.test/about</loc></url>
  <url><loc>https://elsewhere.test/page</loc></url>
  <url><loc>https://app.test/index.html</loc></url>
</urlset>`)
			lc := newLifecycle("v1", offline0.Manifest{
				Paths:    []string{"/index.html"},
				Sitemaps: []string{"/sitemap.xml"},
			})

			Expect(lc.Install(ctx)).To(Succeed())
			Expect(cacheKeys("v1")).To(ConsistOf(key("/index.html"), key("/about")))
		})

		It("fails when a sitemap cannot be fetched", func() {
			lc := newLifecycle("v1", offline0.Manifest{
				Paths:    []string{"/"},
				Sitemaps: []string{"/missing-sitemap.xml"},
			})

			Expect(lc.Install(ctx)).To(MatchError(offline0.ErrInstallFailed))
			has, err := storage.Has(ctx, "v1")
			Expect(err).NotTo(HaveOccurred())
			Expect(has).To(BeFalse())
		})
	})

	Describe("Activate", func() {
		It("deletes every generation but the current one and claims clients", func() {
			for _, name := range []string{"v1", "v2"} {
				_, err := storage.Open(ctx, name)
				Expect(err).NotTo(HaveOccurred())
			}
			lc := newLifecycle("v2", offline0.Manifest{})

			Expect(lc.Activate(ctx)).To(Succeed())

			names, err := storage.Keys(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(names).To(Equal([]string{"v2"}))

			_, claims := host.counts()
			Expect(claims).To(Equal(1))
		})

		It("is a no-op for storage when only the current generation exists", func() {
			network.serve("/", "root")
			lc := newLifecycle("v3", offline0.Manifest{Paths: []string{"/"}})
			Expect(lc.Install(ctx)).To(Succeed())

			Expect(lc.Activate(ctx)).To(Succeed())

			Expect(cacheKeys("v3")).To(ConsistOf(key("/")))
			_, claims := host.counts()
			Expect(claims).To(Equal(1))
		})

		It("removes the previous release after a new install", func() {
			network.serve("/", "root-v1")
			Expect(newLifecycle("v1", offline0.Manifest{Paths: []string{"/"}}).Install(ctx)).To(Succeed())

			network.serve("/", "root-v2")
			next := newLifecycle("v2", offline0.Manifest{Paths: []string{"/"}})
			Expect(next.Install(ctx)).To(Succeed())
			Expect(next.Activate(ctx)).To(Succeed())

			names, err := storage.Keys(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(names).To(Equal([]string{"v2"}))
			body, _ := cachedBody(storage, "v2", key("/"))
			Expect(body).To(Equal("root-v2"))
		})
	})
})
