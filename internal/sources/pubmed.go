package sources

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/an0mium/chemdata/internal/cache"
	"github.com/an0mium/chemdata/internal/client"
)

// PubMedService PubMed 在配置和熔断器中的服务名
const PubMedService = "pubmed"

// PubMed E-utilities 客户端，用检索命中数评估化合物与靶点的文献相关度。
type PubMed struct {
	client *client.Client
	apiKey string
}

// NewPubMed 创建 PubMed 数据源，apiKey 可以为空。
func NewPubMed(c *client.Client, apiKey string) *PubMed {
	return &PubMed{client: c, apiKey: apiKey}
}

type esearchParams struct {
	DB      string `url:"db"`
	Term    string `url:"term"`
	RetMode string `url:"retmode"`
	RetMax  int    `url:"retmax"`
	APIKey  string `url:"api_key,omitempty"`
}

type esearchResponse struct {
	Result struct {
		Count string `json:"count"`
	} `json:"esearchresult"`
}

// RelevanceQuery 返回化合物与靶点的文献检索式。
func RelevanceQuery(compound, target string) string {
	return fmt.Sprintf(`"%s"[Title/Abstract] AND "%s"[Title/Abstract] AND ("binding" OR "affinity" OR "Ki" OR "IC50" OR "EC50" OR "Kd")`,
		sanitizeTerm(compound), sanitizeTerm(target))
}

// Relevance 返回同时提及化合物和靶点的结合研究文献数量。
func (p *PubMed) Relevance(ctx context.Context, compound, target string) (int, error) {
	if strings.TrimSpace(compound) == "" || strings.TrimSpace(target) == "" {
		return 0, nil
	}
	params, err := cache.Params(esearchParams{
		DB:      "pubmed",
		Term:    RelevanceQuery(compound, target),
		RetMode: "json",
		RetMax:  0,
		APIKey:  p.apiKey,
	})
	if err != nil {
		return 0, err
	}

	var resp esearchResponse
	if err := p.client.FetchJSON(ctx, client.Request{Path: "esearch.fcgi", Params: params}, &resp); err != nil {
		return 0, fmt.Errorf("pubmed esearch: %w", err)
	}
	if resp.Result.Count == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(resp.Result.Count)
	if err != nil {
		return 0, fmt.Errorf("pubmed esearch: bad count %q", resp.Result.Count)
	}
	return n, nil
}

func sanitizeTerm(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, `"`, ""))
}
