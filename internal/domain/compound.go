package domain

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// MaxTargets 每个化合物保留的靶点数量上限
const MaxTargets = 12

// NotAvailable 缺失字段在导出结果中的占位值
const NotAvailable = "N/A"

// AffinityTypes 亲和力测量类型，按优先级排列
var AffinityTypes = []string{"Ki", "IC50", "Kd", "EC50"}

// TargetBinding 化合物与单个靶点的结合数据。
type TargetBinding struct {
	// CommonName 靶点通用名称
	CommonName string `json:"common_name"`
	// ProteinName UniProt 推荐蛋白名称
	ProteinName string `json:"protein_name,omitempty"`
	// GeneName 基因名或 UniProt 主 ID
	GeneName string `json:"gene_name,omitempty"`
	// Affinity 亲和力数值（nM），带修饰符的值已按排序规则换算
	Affinity float64 `json:"affinity"`
	// AffinityUnit 亲和力单位
	AffinityUnit string `json:"affinity_unit,omitempty"`
	// AffinityType 测量类型（Ki、IC50、Kd、EC50）
	AffinityType string `json:"affinity_type,omitempty"`
	// AffinityModifier 原始值的修饰符（">"、"<" 或空）
	AffinityModifier string `json:"affinity_modifier,omitempty"`
	// ActivityType 由实验描述推断的作用类型
	ActivityType string `json:"activity_type,omitempty"`
	// Source 数据来源
	Source string `json:"source,omitempty"`
	// DOI 文献 DOI
	DOI string `json:"doi,omitempty"`
	// PMID PubMed 文献 ID
	PMID string `json:"pmid,omitempty"`
	// Relevance 文献相关度评分（PubMed 检索结果数）
	Relevance int `json:"relevance"`
}

// IsZero 判断槽位是否为空。
func (b TargetBinding) IsZero() bool {
	return b.CommonName == ""
}

// Compound 化合物记录，汇总多个数据源的标识符、性质和靶点结合数据。
type Compound struct {
	Name        string   `json:"name"`
	CAS         string   `json:"cas,omitempty"`
	IUPACName   string   `json:"iupac_name,omitempty"`
	SMILES      string   `json:"smiles,omitempty"`
	InChI       string   `json:"inchi,omitempty"`
	InChIKey    string   `json:"inchi_key,omitempty"`
	PubChemCID  string   `json:"pubchem_cid,omitempty"`
	ChEMBLID    string   `json:"chembl_id,omitempty"`
	Synonyms    []string `json:"synonyms,omitempty"`
	DataSources []string `json:"data_sources,omitempty"`

	MolecularWeight float64 `json:"molecular_weight,omitempty"`
	XLogP           float64 `json:"xlogp,omitempty"`
	TPSA            float64 `json:"tpsa,omitempty"`

	// Targets 按相关度排序的靶点槽位，空槽位的 CommonName 为空
	Targets [MaxTargets]TargetBinding `json:"targets"`

	UpdatedAt time.Time `json:"updated_at"`
}

var casPattern = regexp.MustCompile(`^\d{1,7}-\d{2}-\d$`)

// ValidateCAS 校验 CAS 登记号的格式和校验位。
// 校验位等于其余数字自右向左按 1、2、3... 加权求和后对 10 取模。
func ValidateCAS(cas string) error {
	if !casPattern.MatchString(cas) {
		return fmt.Errorf("%w: %q", ErrInvalidCAS, cas)
	}
	digits := strings.ReplaceAll(cas, "-", "")
	check := int(digits[len(digits)-1] - '0')
	body := digits[:len(digits)-1]

	total := 0
	for i := 0; i < len(body); i++ {
		total += int(body[len(body)-1-i]-'0') * (i + 1)
	}
	if total%10 != check {
		return fmt.Errorf("%w: %q checksum mismatch", ErrInvalidCAS, cas)
	}
	return nil
}

// Validate 校验化合物记录，返回的错误满足 errors.Is(err, ErrValidation)。
func (c *Compound) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return &ValidationError{Field: "name", Reason: "empty"}
	}
	if c.CAS != "" && c.CAS != NotAvailable {
		if err := ValidateCAS(c.CAS); err != nil {
			return &ValidationError{Field: "cas", Reason: err.Error()}
		}
	}
	if c.MolecularWeight < 0 {
		return &ValidationError{Field: "molecular_weight", Reason: fmt.Sprintf("negative value %g", c.MolecularWeight)}
	}
	for i, t := range c.Targets {
		if !t.IsZero() && t.Affinity <= 0 {
			return &ValidationError{Field: fmt.Sprintf("targets[%d].affinity", i), Reason: fmt.Sprintf("non-positive value %g", t.Affinity)}
		}
	}
	return nil
}

// Merge 将 other 中的数据合并进 c。
// 集合类字段取并集，标量字段在 other 有值时覆盖，靶点按相关度重新排序后保留前 MaxTargets 个。
func (c *Compound) Merge(other *Compound) {
	if other == nil {
		return
	}
	c.Synonyms = unionStrings(c.Synonyms, other.Synonyms)
	c.DataSources = unionStrings(c.DataSources, other.DataSources)

	overwrite(&c.Name, other.Name)
	overwrite(&c.CAS, other.CAS)
	overwrite(&c.IUPACName, other.IUPACName)
	overwrite(&c.SMILES, other.SMILES)
	overwrite(&c.InChI, other.InChI)
	overwrite(&c.InChIKey, other.InChIKey)
	overwrite(&c.PubChemCID, other.PubChemCID)
	overwrite(&c.ChEMBLID, other.ChEMBLID)
	if other.MolecularWeight > 0 {
		c.MolecularWeight = other.MolecularWeight
	}
	if other.XLogP != 0 {
		c.XLogP = other.XLogP
	}
	if other.TPSA > 0 {
		c.TPSA = other.TPSA
	}

	bindings := c.Bindings()
	bindings = append(bindings, other.Bindings()...)
	c.SetTargets(bindings)
	c.UpdatedAt = time.Now().UTC()
}

// Bindings 返回所有非空靶点槽位。
func (c *Compound) Bindings() []TargetBinding {
	out := make([]TargetBinding, 0, MaxTargets)
	for _, t := range c.Targets {
		if !t.IsZero() {
			out = append(out, t)
		}
	}
	return out
}

// SetTargets 对结合数据排序并填充槽位。
// 排序规则：相关度降序，相同时亲和力升序（数值越小结合越强），超过 MaxTargets 的部分被丢弃。
func (c *Compound) SetTargets(bindings []TargetBinding) {
	SortBindings(bindings)
	c.Targets = [MaxTargets]TargetBinding{}
	for i := 0; i < len(bindings) && i < MaxTargets; i++ {
		c.Targets[i] = bindings[i]
	}
}

// SortBindings 按相关度降序、亲和力升序稳定排序。
func SortBindings(bindings []TargetBinding) {
	sort.SliceStable(bindings, func(i, j int) bool {
		if bindings[i].Relevance != bindings[j].Relevance {
			return bindings[i].Relevance > bindings[j].Relevance
		}
		return bindings[i].Affinity < bindings[j].Affinity
	})
}

// ParseAffinity 解析亲和力字符串。
// ">x" 记为 x*10 排在精确值之后，"<x" 记为 x/10 排在精确值之前。
//
// 返回值：
//   - float64: 用于排序的数值
//   - string: 修饰符
//   - error: 无法解析时返回 ErrValidation
func ParseAffinity(raw string) (float64, string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, "", &ValidationError{Field: "affinity", Reason: "empty"}
	}
	modifier := ""
	if s[0] == '>' || s[0] == '<' {
		modifier = s[:1]
		s = strings.TrimSpace(s[1:])
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, "", &ValidationError{Field: "affinity", Reason: fmt.Sprintf("not a number: %q", raw)}
	}
	switch modifier {
	case ">":
		v *= 10
	case "<":
		v /= 10
	}
	return v, modifier, nil
}

// 作用类型识别规则，按匹配优先级排列
var activityPatterns = []struct {
	kind     string
	patterns []*regexp.Regexp
}{
	{"superagonist", compileAll(`super.?agonist`, `high.?efficacy.?agonist`)},
	{"weak_partial_agonist", compileAll(`weak.?partial.?agonist`, `low.?efficacy.?partial`)},
	{"partial_agonist", compileAll(`partial.?agonist`, `submaximal.?activation`)},
	{"full_agonist", compileAll(`full.?agonist`, `maximal.?response`)},
	{"inverse_agonist", compileAll(`inverse.?agonist`, `negative.?efficacy`)},
	{"positive_allosteric_modulator", compileAll(`positive.?allosteric`, `allosteric.?potentiator`)},
	{"negative_allosteric_modulator", compileAll(`negative.?allosteric`, `allosteric.?inhibitor`)},
	{"antagonist", compileAll(`antagonist`, `blocker`, `inhibitor`)},
	{"agonist", compileAll(`agonist`, `activation`)},
}

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(`(?i)` + e)
	}
	return out
}

// ClassifyActivity 根据实验描述推断作用类型，无法识别时返回 "unknown"。
func ClassifyActivity(description string) string {
	for _, ap := range activityPatterns {
		for _, p := range ap.patterns {
			if p.MatchString(description) {
				return ap.kind
			}
		}
	}
	return "unknown"
}

func overwrite(dst *string, v string) {
	if v != "" && v != NotAvailable {
		*dst = v
	}
}

func unionStrings(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
