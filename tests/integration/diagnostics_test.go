package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/any-hub/artifact-proxy/internal/cache"
)

func TestStatsReflectCachedEntries(t *testing.T) {
	stub := newUpstreamStub(t)
	payload := artifact(12 * 1024)
	stub.put(debPath, payload)
	env := newProxyEnv(t, nil, originConfig("ubuntu", ubuntuDomain, stub.URL))

	readAll(t, env.get(t, ubuntuDomain, debPath))
	env.waitComplete(t, cache.Locator{Origin: "ubuntu", Path: debPath})

	// 诊断路径不依赖 Host 映射。
	resp := env.get(t, "127.0.0.1", "/-/stats")
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.StatusCode, body)
	}
	var stats struct {
		Entries struct {
			Complete      int64 `json:"complete"`
			InProgress    int64 `json:"in_progress"`
			CompleteBytes int64 `json:"complete_bytes"`
		} `json:"entries"`
		Origins []struct {
			Name   string `json:"name"`
			Domain string `json:"domain"`
		} `json:"origins"`
	}
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Entries.Complete != 1 || stats.Entries.InProgress != 0 || stats.Entries.CompleteBytes != int64(len(payload)) {
		t.Fatalf("unexpected entry stats %+v", stats.Entries)
	}
	if len(stats.Origins) != 1 || stats.Origins[0].Domain != ubuntuDomain {
		t.Fatalf("unexpected origins %+v", stats.Origins)
	}
}

func TestMetricsCountDispositions(t *testing.T) {
	stub := newUpstreamStub(t)
	payload := artifact(12 * 1024)
	stub.put(debPath, payload)
	env := newProxyEnv(t, nil, originConfig("ubuntu", ubuntuDomain, stub.URL))

	readAll(t, env.get(t, ubuntuDomain, debPath))
	env.waitComplete(t, cache.Locator{Origin: "ubuntu", Path: debPath})
	readAll(t, env.get(t, ubuntuDomain, debPath))

	wants := []string{
		`artifact_proxy_requests_total{cache="MISS",origin="ubuntu"} 1`,
		`artifact_proxy_requests_total{cache="HIT",origin="ubuntu"} 1`,
		fmt.Sprintf(`artifact_proxy_origin_bytes_total{origin="ubuntu"} %d`, len(payload)),
		`artifact_proxy_origin_fetches_total{origin="ubuntu",outcome="complete"} 1`,
	}
	// 抓取结果计数在条目完成后才记录，轮询直到出现。
	waitFor(t, 5*time.Second, func() bool {
		resp, err := env.fetch(http.MethodGet, "127.0.0.1", "/-/metrics", nil)
		if err != nil {
			return false
		}
		raw, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		body := string(raw)
		for _, want := range wants {
			if !strings.Contains(body, want) {
				return false
			}
		}
		return true
	})
}

func TestProxyPACListsOrigins(t *testing.T) {
	env := newProxyEnv(t, nil,
		originConfig("ubuntu", ubuntuDomain, "http://archive.ubuntu.com"),
		originConfig("fedora", fedoraDomain, "https://dl.fedoraproject.org"),
	)

	resp := env.get(t, "cache.lan:5000", "/proxy.pac")
	script := string(readAll(t, resp))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	for _, want := range []string{
		fmt.Sprintf(`shExpMatch(url, "http://%s/*")`, ubuntuDomain),
		fmt.Sprintf(`shExpMatch(url, "http://%s/*")`, fedoraDomain),
		`return "PROXY cache.lan:5000";`,
	} {
		if !strings.Contains(script, want) {
			t.Fatalf("pac missing %s:\n%s", want, script)
		}
	}
}
