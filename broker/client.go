// Package broker polls the external metadata broker for topology
// updates over HTTP as a thin, stateless client: the broker itself owns
// consensus, this package only fetches and decodes its snapshots.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/sync/singleflight"

	"github.com/kvrelay/slotproxy/cluster"
	"github.com/kvrelay/slotproxy/lib/logger"
)

var log = logger.With("broker")

// TopologyInstaller is whatever consumes a freshly-fetched topology;
// proxy.CmdHandler.InstallTopology satisfies it.
type TopologyInstaller interface {
	InstallTopology(topo *cluster.Topology) error
}

// Client polls one broker endpoint on an interval and installs whatever
// topology it returns, collapsing concurrent polls into one in-flight
// HTTP request via singleflight so a slow broker response never stacks
// up redundant requests.
type Client struct {
	brokerAddr string
	localNode  string
	installer  TopologyInstaller

	httpClient *fasthttp.Client
	group      singleflight.Group
}

// NewClient builds a broker poller for brokerAddr, reporting this
// proxy's identity as localNode on every fetch.
func NewClient(brokerAddr, localNode string, installer TopologyInstaller) *Client {
	return &Client{
		brokerAddr: brokerAddr,
		localNode:  localNode,
		installer:  installer,
		httpClient: &fasthttp.Client{
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
	}
}

// Run polls the broker every interval until ctx is canceled, installing
// every topology it successfully fetches. A fetch or decode failure is
// logged and retried next tick rather than aborting the poller, since a
// transient broker outage should not stop this proxy from serving
// traffic with its last-known topology.
func (c *Client) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.pollOnce(ctx); err != nil {
				log.Warn().Err(err).Msg("broker poll failed")
			}
		}
	}
}

func (c *Client) pollOnce(ctx context.Context) error {
	_, err, _ := c.group.Do("poll", func() (interface{}, error) {
		topo, err := c.fetchTopology(ctx)
		if err != nil {
			return nil, err
		}
		return nil, c.installer.InstallTopology(topo)
	})
	return err
}

func (c *Client) fetchTopology(ctx context.Context) (*cluster.Topology, error) {
	url := fmt.Sprintf("http://%s/api/v1/proxies/%s/topology", c.brokerAddr, c.localNode)

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	if err := c.httpClient.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("fetch topology from %s: %w", c.brokerAddr, err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("broker returned status %d", resp.StatusCode())
	}

	topo, err := cluster.UnmarshalTopologyJSON(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("decode broker topology: %w", err)
	}
	return topo, nil
}

// ReportFailure tells the broker this proxy observed a peer as down.
// Topology authority lives entirely in the broker: proxies only report
// what they observe and wait for the broker to decide and push back a
// new topology, rather than gossiping failure votes among themselves.
func (c *Client) ReportFailure(ctx context.Context, nodeAddr string) error {
	url := fmt.Sprintf("http://%s/api/v1/failures/%s", c.brokerAddr, nodeAddr)

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodPost)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(3 * time.Second)
	}
	if err := c.httpClient.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("report failure to %s: %w", c.brokerAddr, err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return fmt.Errorf("broker returned status %d", resp.StatusCode())
	}
	return nil
}
