// Package sources 实现外部化合物数据源的查询。所有请求都经过 client.Client 的弹性调用。
package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/an0mium/chemdata/internal/client"
	"github.com/an0mium/chemdata/internal/domain"
)

// PubChemService PubChem 在配置和熔断器中的服务名
const PubChemService = "pubchem"

// pubchemProperties 查询的化合物性质列表
var pubchemProperties = []string{
	"MolecularWeight", "XLogP", "TPSA", "IUPACName",
	"CanonicalSMILES", "IsomericSMILES", "InChI", "InChIKey",
}

// maxSynonyms 保留的同义词数量上限
const maxSynonyms = 20

// PubChem PUG-REST 客户端。
type PubChem struct {
	client *client.Client
}

// NewPubChem 创建 PubChem 数据源。
func NewPubChem(c *client.Client) *PubChem {
	return &PubChem{client: c}
}

// Properties PubChem 化合物性质。
type Properties struct {
	CID             int       `json:"CID"`
	MolecularWeight flexFloat `json:"MolecularWeight"`
	XLogP           flexFloat `json:"XLogP"`
	TPSA            flexFloat `json:"TPSA"`
	IUPACName       string    `json:"IUPACName"`
	CanonicalSMILES string    `json:"CanonicalSMILES"`
	IsomericSMILES  string    `json:"IsomericSMILES"`
	// SMILES/ConnectivitySMILES 为新版接口返回的字段名
	SMILES             string `json:"SMILES"`
	ConnectivitySMILES string `json:"ConnectivitySMILES"`
	InChI              string `json:"InChI"`
	InChIKey           string `json:"InChIKey"`
}

// flexFloat 兼容 PubChem 以字符串或数字返回的数值字段。
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

type cidResponse struct {
	IdentifierList struct {
		CID []int `json:"CID"`
	} `json:"IdentifierList"`
}

type propertyResponse struct {
	PropertyTable struct {
		Properties []Properties `json:"Properties"`
	} `json:"PropertyTable"`
}

type synonymResponse struct {
	InformationList struct {
		Information []struct {
			CID     int      `json:"CID"`
			Synonym []string `json:"Synonym"`
		} `json:"Information"`
	} `json:"InformationList"`
}

// LookupCID 按名称查找 PubChem CID，未找到时返回空字符串。
func (p *PubChem) LookupCID(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil
	}
	var resp cidResponse
	err := p.client.FetchJSON(ctx, client.Request{
		Path:         "compound/name/" + url.PathEscape(name) + "/cids/JSON",
		AcceptStatus: []int{http.StatusNotFound},
	}, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.IdentifierList.CID) == 0 {
		return "", nil
	}
	return strconv.Itoa(resp.IdentifierList.CID[0]), nil
}

// Properties 查询化合物性质，未找到时返回 nil。
func (p *PubChem) Properties(ctx context.Context, cid string) (*Properties, error) {
	var resp propertyResponse
	err := p.client.FetchJSON(ctx, client.Request{
		Path:         fmt.Sprintf("compound/cid/%s/property/%s/JSON", url.PathEscape(cid), strings.Join(pubchemProperties, ",")),
		AcceptStatus: []int{http.StatusNotFound},
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.PropertyTable.Properties) == 0 {
		return nil, nil
	}
	return &resp.PropertyTable.Properties[0], nil
}

// Synonyms 查询化合物同义词。
func (p *PubChem) Synonyms(ctx context.Context, cid string) ([]string, error) {
	var resp synonymResponse
	err := p.client.FetchJSON(ctx, client.Request{
		Path:         "compound/cid/" + url.PathEscape(cid) + "/synonyms/JSON",
		AcceptStatus: []int{http.StatusNotFound},
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.InformationList.Information) == 0 {
		return nil, nil
	}
	return resp.InformationList.Information[0].Synonym, nil
}

// Enrich 用 PubChem 数据补全化合物：CID、结构标识、理化性质、同义词以及从同义词中识别出的 CAS 号。
// 化合物在 PubChem 中不存在时不修改记录，也不返回错误。
func (p *PubChem) Enrich(ctx context.Context, c *domain.Compound) error {
	cid := c.PubChemCID
	if cid == "" || cid == domain.NotAvailable {
		var err error
		if cid, err = p.LookupCID(ctx, c.Name); err != nil {
			return fmt.Errorf("pubchem cid lookup: %w", err)
		}
		if cid == "" {
			return nil
		}
	}

	props, err := p.Properties(ctx, cid)
	if err != nil {
		return fmt.Errorf("pubchem properties: %w", err)
	}
	synonyms, err := p.Synonyms(ctx, cid)
	if err != nil {
		return fmt.Errorf("pubchem synonyms: %w", err)
	}

	found := &domain.Compound{PubChemCID: cid, DataSources: []string{"PubChem"}}
	if props != nil {
		found.MolecularWeight = float64(props.MolecularWeight)
		found.XLogP = float64(props.XLogP)
		found.TPSA = float64(props.TPSA)
		found.IUPACName = props.IUPACName
		found.SMILES = firstNonEmpty(props.IsomericSMILES, props.SMILES, props.CanonicalSMILES, props.ConnectivitySMILES)
		found.InChI = props.InChI
		found.InChIKey = props.InChIKey
	}
	for _, s := range synonyms {
		if found.CAS == "" && domain.ValidateCAS(s) == nil {
			found.CAS = s
		}
	}
	if len(synonyms) > maxSynonyms {
		synonyms = synonyms[:maxSynonyms]
	}
	found.Synonyms = synonyms

	c.Merge(found)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
