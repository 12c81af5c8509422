package loadbalance

import (
	"math/rand/v2"

	"mini-ipc/errs"
	"mini-ipc/registry"
)

// WeightedRandomBalancer picks endpoints with probability proportional to
// their weight. Non-positive weights count as 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, errs.ErrNoEndpoints
	}

	// 计算总权重
	total := 0
	for _, ep := range endpoints {
		total += weight(ep)
	}

	// 生成一个随机数，范围是0到总权重
	r := rand.IntN(total)
	for i := range endpoints {
		r -= weight(endpoints[i])
		if r < 0 {
			return &endpoints[i], nil
		}
	}
	return &endpoints[len(endpoints)-1], nil
}

func weight(ep registry.Endpoint) int {
	if ep.Weight <= 0 {
		return 1
	}
	return ep.Weight
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
