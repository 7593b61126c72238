package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kgantsov/dslot/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	joinRounds      = 3
	joinRoundDelay  = time.Second
	joinHTTPTimeout = 5 * time.Second
)

// Joiner asks one of the known hosts to add this node to the raft cluster.
type Joiner struct {
	nodeID   string
	raftAddr string
	hosts    []string

	client     *http.Client
	roundDelay time.Duration
}

func NewJoiner(nodeID, raftAddr string, hosts []string) *Joiner {
	log.Debug().Msgf("Creating new joiner: %s %s %v", nodeID, raftAddr, hosts)
	return &Joiner{
		nodeID:     nodeID,
		raftAddr:   raftAddr,
		hosts:      hosts,
		client:     &http.Client{Timeout: joinHTTPTimeout},
		roundDelay: joinRoundDelay,
	}
}

func (j *Joiner) Join(ctx context.Context) error {
	if len(j.hosts) == 0 {
		log.Debug().Msg("There are no hosts to join")
		return nil
	}

	for i := 0; i < joinRounds; i++ {
		for _, host := range j.hosts {
			log.Debug().Msgf("Trying to join: %s", host)

			err := j.join(ctx, host)
			if err == nil {
				return nil
			}
			log.Debug().Msgf("Join through %s failed: %v", host, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(j.roundDelay):
		}
	}

	return domain.ErrFailedToJoinNode
}

func (j *Joiner) join(ctx context.Context, joinAddr string) error {
	b, err := json.Marshal(map[string]string{
		"id":   j.nodeID,
		"addr": j.raftAddr,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, fmt.Sprintf("http://%s/join", joinAddr), bytes.NewReader(b),
	)
	if err != nil {
		log.Error().Msgf("Error creating a join request: %s", err)
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := j.client.Do(req)
	if err != nil {
		log.Error().Msgf("Error sending a join request: %s", err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Error().Msgf("Error joining a node, status code: %d", resp.StatusCode)
		return domain.ErrFailedToJoinNode
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Error().Msgf("Error reading a join response: %s", err)
		return err
	}

	var joinResp struct {
		ID   string `json:"id"`
		Addr string `json:"addr"`
	}
	if err := json.Unmarshal(body, &joinResp); err != nil {
		return err
	}

	log.Info().Msgf("Joined the cluster through %s as %s (%s)", joinAddr, joinResp.ID, joinResp.Addr)

	return nil
}
