package offline0_test

import (
	"context"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"offline0/internal/offline0"
)

var _ = Describe("Executor", func() {
	const version = "v1"

	var (
		ctx      context.Context
		storage  offline0.CacheStorage
		network  *fakeNetwork
		executor *offline0.Executor
	)

	BeforeEach(func() {
		ctx = context.Background()
		storage = offline0.NewMemoryStorage(0)
		network = newFakeNetwork()
		executor = offline0.NewExecutor(storage, network, offline0.ExecutorOptions{
			Origin:  mustOrigin(),
			Version: version,
		}, nil)
	})

	AfterEach(func() {
		executor.Wait()
	})

	key := func(path string) string {
		return newRequest(http.MethodGet, path, "").Key()
	}

	Describe("images (cache-first)", func() {
		It("fetches once and serves later requests from the cache", func() {
			network.serve("/logo.png", "png-bytes")

			resp, outcome, err := executor.Handle(ctx, newRequest(http.MethodGet, "/logo.png", "image"))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(offline0.OutcomeMiss))
			Expect(string(resp.Body)).To(Equal("png-bytes"))

			network.serve("/logo.png", "changed")
			resp, outcome, err = executor.Handle(ctx, newRequest(http.MethodGet, "/logo.png", "image"))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(offline0.OutcomeHit))
			Expect(string(resp.Body)).To(Equal("png-bytes"))
			Expect(network.callsTo("/logo.png")).To(Equal(1))
		})

		It("classifies by extension when no destination hint is present", func() {
			network.serve("/img/photo.webp", "webp")

			_, _, err := executor.Handle(ctx, newRequest(http.MethodGet, "/img/photo.webp", ""))
			Expect(err).NotTo(HaveOccurred())
			_, outcome, err := executor.Handle(ctx, newRequest(http.MethodGet, "/img/photo.webp", ""))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(offline0.OutcomeHit))
		})

		It("does not store non-200 responses", func() {
			network.serveStatus("/missing.png", http.StatusNotFound, "nope")

			resp, _, err := executor.Handle(ctx, newRequest(http.MethodGet, "/missing.png", "image"))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(http.StatusNotFound))

			_, found := cachedBody(storage, version, key("/missing.png"))
			Expect(found).To(BeFalse())
		})

		It("does not store responses that are not basic", func() {
			network.serve("/proxied.png", "png")
			network.serveType("/proxied.png", offline0.TypeCORS)

			_, _, err := executor.Handle(ctx, newRequest(http.MethodGet, "/proxied.png", "image"))
			Expect(err).NotTo(HaveOccurred())

			_, found := cachedBody(storage, version, key("/proxied.png"))
			Expect(found).To(BeFalse())
		})

		It("fails when neither the cache nor the network can answer", func() {
			network.setOffline(true)

			_, _, err := executor.Handle(ctx, newRequest(http.MethodGet, "/logo.png", "image"))
			Expect(err).To(MatchError(errOffline))
		})

		It("still answers when the storage quota rejects the write", func() {
			storage = offline0.NewMemoryStorage(4)
			executor = offline0.NewExecutor(storage, network, offline0.ExecutorOptions{
				Origin:  mustOrigin(),
				Version: version,
			}, nil)
			network.serve("/big.png", "much more than four bytes")

			resp, outcome, err := executor.Handle(ctx, newRequest(http.MethodGet, "/big.png", "image"))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(offline0.OutcomeMiss))
			Expect(string(resp.Body)).To(Equal("much more than four bytes"))

			_, found := cachedBody(storage, version, key("/big.png"))
			Expect(found).To(BeFalse())
		})
	})

	Describe("scripts and styles (stale-while-revalidate)", func() {
		It("stores the network response on a miss", func() {
			network.serve("/app.js", "js-v1")

			resp, outcome, err := executor.Handle(ctx, newRequest(http.MethodGet, "/app.js", "script"))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(offline0.OutcomeMiss))
			Expect(string(resp.Body)).To(Equal("js-v1"))

			body, found := cachedBody(storage, version, key("/app.js"))
			Expect(found).To(BeTrue())
			Expect(body).To(Equal("js-v1"))
		})

		It("answers from the cache without waiting for revalidation", func() {
			network.serve("/style.css", "css-v1")
			_, _, err := executor.Handle(ctx, newRequest(http.MethodGet, "/style.css", "style"))
			Expect(err).NotTo(HaveOccurred())

			network.serve("/style.css", "css-v2")
			release := network.gate("/style.css")
			defer release()

			resp, outcome, err := executor.Handle(ctx, newRequest(http.MethodGet, "/style.css", "style"))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(offline0.OutcomeHit))
			Expect(string(resp.Body)).To(Equal("css-v1"))

			body, _ := cachedBody(storage, version, key("/style.css"))
			Expect(body).To(Equal("css-v1"))

			release()
			executor.Wait()

			body, _ = cachedBody(storage, version, key("/style.css"))
			Expect(body).To(Equal("css-v2"))
			Expect(network.callsTo("/style.css")).To(Equal(2))
		})

		It("keeps the cached copy when revalidation fails", func() {
			network.serve("/app.js", "js-v1")
			_, _, err := executor.Handle(ctx, newRequest(http.MethodGet, "/app.js", "script"))
			Expect(err).NotTo(HaveOccurred())

			network.setOffline(true)
			resp, outcome, err := executor.Handle(ctx, newRequest(http.MethodGet, "/app.js", "script"))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(offline0.OutcomeHit))
			Expect(string(resp.Body)).To(Equal("js-v1"))

			executor.Wait()
			body, _ := cachedBody(storage, version, key("/app.js"))
			Expect(body).To(Equal("js-v1"))
		})

		It("joins a refresh that is already in flight for the same key", func() {
			network.serve("/app.js", "js-v1")
			_, _, err := executor.Handle(ctx, newRequest(http.MethodGet, "/app.js", "script"))
			Expect(err).NotTo(HaveOccurred())

			network.serve("/app.js", "js-v2")
			release := network.gate("/app.js")
			defer release()

			for i := 0; i < 3; i++ {
				_, outcome, err := executor.Handle(ctx, newRequest(http.MethodGet, "/app.js", "script"))
				Expect(err).NotTo(HaveOccurred())
				Expect(outcome).To(Equal(offline0.OutcomeHit))
			}
			Eventually(func() int { return network.callsTo("/app.js") }).Should(Equal(2))

			release()
			executor.Wait()
			Expect(network.callsTo("/app.js")).To(Equal(2))
			body, _ := cachedBody(storage, version, key("/app.js"))
			Expect(body).To(Equal("js-v2"))
		})

		It("still refreshes other keys while every revalidation slot is busy", func() {
			busy := offline0.NewExecutor(storage, network, offline0.ExecutorOptions{
				Origin:           mustOrigin(),
				Version:          version,
				MaxRevalidations: 1,
			}, nil)

			network.serve("/slow.js", "slow-v1")
			network.serve("/a.js", "a-v1")
			for _, path := range []string{"/slow.js", "/a.js"} {
				_, _, err := busy.Handle(ctx, newRequest(http.MethodGet, path, "script"))
				Expect(err).NotTo(HaveOccurred())
			}

			network.serve("/slow.js", "slow-v2")
			network.serve("/a.js", "a-v2")
			release := network.gate("/slow.js")
			defer release()

			_, outcome, err := busy.Handle(ctx, newRequest(http.MethodGet, "/slow.js", "script"))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(offline0.OutcomeHit))
			// the slow refresh now holds the only slot
			Eventually(func() int { return network.callsTo("/slow.js") }).Should(Equal(2))

			resp, outcome, err := busy.Handle(ctx, newRequest(http.MethodGet, "/a.js", "script"))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(offline0.OutcomeHit))
			Expect(string(resp.Body)).To(Equal("a-v1"))

			release()
			busy.Wait()

			body, _ := cachedBody(storage, version, key("/a.js"))
			Expect(body).To(Equal("a-v2"))
			body, _ = cachedBody(storage, version, key("/slow.js"))
			Expect(body).To(Equal("slow-v2"))
		})
	})

	Describe("documents (network-first)", func() {
		It("serves and stores the network response when online", func() {
			network.serve("/about", "about-v1")

			resp, outcome, err := executor.Handle(ctx, newRequest(http.MethodGet, "/about", "document"))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(offline0.OutcomeNetwork))
			Expect(string(resp.Body)).To(Equal("about-v1"))

			body, found := cachedBody(storage, version, key("/about"))
			Expect(found).To(BeTrue())
			Expect(body).To(Equal("about-v1"))
		})

		It("falls back to the cached page when offline", func() {
			network.serve("/about", "about-v1")
			_, _, err := executor.Handle(ctx, newRequest(http.MethodGet, "/about", "document"))
			Expect(err).NotTo(HaveOccurred())

			network.setOffline(true)
			resp, outcome, err := executor.Handle(ctx, newRequest(http.MethodGet, "/about", "document"))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(offline0.OutcomeCacheFallback))
			Expect(string(resp.Body)).To(Equal("about-v1"))
		})

		It("falls back to the app shell for uncached pages", func() {
			network.serve("/index.html", "shell")
			_, _, err := executor.Handle(ctx, newRequest(http.MethodGet, "/index.html", "document"))
			Expect(err).NotTo(HaveOccurred())

			network.setOffline(true)
			resp, outcome, err := executor.Handle(ctx, newRequest(http.MethodGet, "/never-visited", "document"))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(offline0.OutcomeDocumentFallback))
			Expect(string(resp.Body)).To(Equal("shell"))
		})

		It("fails when offline with nothing cached", func() {
			network.setOffline(true)

			_, _, err := executor.Handle(ctx, newRequest(http.MethodGet, "/about", "document"))
			Expect(err).To(MatchError(errOffline))
		})

		It("recognises documents by the Accept header", func() {
			network.serve("/pricing", "pricing")
			req := newRequest(http.MethodGet, "/pricing", "")
			req.Header.Set("Accept", "text/html,application/xhtml+xml")

			_, outcome, err := executor.Handle(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(offline0.OutcomeNetwork))

			_, found := cachedBody(storage, version, key("/pricing"))
			Expect(found).To(BeTrue())
		})

		It("returns error pages untouched without caching them", func() {
			network.serveStatus("/broken", http.StatusInternalServerError, "boom")

			resp, outcome, err := executor.Handle(ctx, newRequest(http.MethodGet, "/broken", "document"))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(offline0.OutcomeNetwork))
			Expect(resp.Status).To(Equal(http.StatusInternalServerError))

			_, found := cachedBody(storage, version, key("/broken"))
			Expect(found).To(BeFalse())
		})
	})

	Describe("everything else (network with cache fallback)", func() {
		It("does not populate the cache from the network", func() {
			network.serve("/api/items", `[1,2]`)

			resp, outcome, err := executor.Handle(ctx, newRequest(http.MethodGet, "/api/items", ""))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(offline0.OutcomeNetwork))
			Expect(string(resp.Body)).To(Equal(`[1,2]`))

			_, found := cachedBody(storage, version, key("/api/items"))
			Expect(found).To(BeFalse())
		})

		It("serves a precached copy when offline", func() {
			cache, err := storage.Open(ctx, version)
			Expect(err).NotTo(HaveOccurred())
			Expect(cache.Put(ctx, key("/manifest.json"), &offline0.Response{
				Status: http.StatusOK,
				Header: http.Header{},
				Body:   []byte(`{"name":"app"}`),
				Type:   offline0.TypeBasic,
			})).To(Succeed())

			network.setOffline(true)
			resp, outcome, err := executor.Handle(ctx, newRequest(http.MethodGet, "/manifest.json", ""))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(offline0.OutcomeCacheFallback))
			Expect(string(resp.Body)).To(Equal(`{"name":"app"}`))
		})
	})

	Describe("requests that are never cached", func() {
		It("passes cross-origin requests through", func() {
			network.serve("/font.woff2", "font")

			resp, outcome, err := executor.Handle(ctx, newRequest(http.MethodGet, "https://cdn.example.com/font.woff2", "font"))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(offline0.OutcomeCrossOrigin))
			Expect(string(resp.Body)).To(Equal("font"))

			keys, err := storage.Keys(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(keys).To(BeEmpty())
		})

		It("passes cross-origin images through even with an image hint", func() {
			network.serve("/a.png", "png")

			_, outcome, err := executor.Handle(ctx, newRequest(http.MethodGet, "https://cdn.example.com/a.png", "image"))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(offline0.OutcomeCrossOrigin))

			_, _, err = executor.Handle(ctx, newRequest(http.MethodGet, "https://cdn.example.com/a.png", "image"))
			Expect(err).NotTo(HaveOccurred())
			Expect(network.callsTo("/a.png")).To(Equal(2))
		})

		It("bypasses non-GET requests", func() {
			network.serve("/logo.png", "png")

			_, outcome, err := executor.Handle(ctx, newRequest(http.MethodPost, "/logo.png", "image"))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(offline0.OutcomeBypass))

			_, found := cachedBody(storage, version, key("/logo.png"))
			Expect(found).To(BeFalse())
		})
	})
})
