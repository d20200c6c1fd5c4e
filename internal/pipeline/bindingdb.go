package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/an0mium/chemdata/internal/domain"
	"github.com/an0mium/chemdata/internal/table"
)

// BindingDB TSV 导出文件的列名
const (
	ColLigandName  = "BindingDB Ligand Name"
	ColSMILES      = "Ligand SMILES"
	ColInChIKey    = "Ligand InChI Key"
	ColTargetName  = "Target Name"
	ColUniProtName = "UniProt (SwissProt) Recommended Name of Target Chain"
	ColUniProtID   = "UniProt (SwissProt) Primary ID of Target Chain"
	ColOrganism    = "Target Source Organism According to Curator or DataSource"
	ColKi          = "Ki (nM)"
	ColIC50        = "IC50 (nM)"
	ColKd          = "Kd (nM)"
	ColEC50        = "EC50 (nM)"
	ColDOI         = "Article DOI"
	ColPMID        = "PMID"
	ColAssay       = "Assay Description"
	ColPubChemCID  = "PubChem CID"
	ColChEMBLID    = "ChEMBL ID of Ligand"
)

// affinityColumns 亲和力类型到列名的映射，顺序即优先级
var affinityColumns = []struct {
	kind   string
	column string
}{
	{"Ki", ColKi},
	{"IC50", ColIC50},
	{"Kd", ColKd},
	{"EC50", ColEC50},
}

// InputColumns 解析步骤读取的列。亲和力列带有 ">"、"<" 修饰符，按字符串读取后再解析。
var InputColumns = []table.Column{
	{Name: ColLigandName, Type: table.String},
	{Name: ColSMILES, Type: table.String},
	{Name: ColInChIKey, Type: table.String},
	{Name: ColTargetName, Type: table.String},
	{Name: ColUniProtName, Type: table.String},
	{Name: ColUniProtID, Type: table.String},
	{Name: ColOrganism, Type: table.String},
	{Name: ColKi, Type: table.String},
	{Name: ColIC50, Type: table.String},
	{Name: ColKd, Type: table.String},
	{Name: ColEC50, Type: table.String},
	{Name: ColDOI, Type: table.String},
	{Name: ColPMID, Type: table.String},
	{Name: ColAssay, Type: table.String},
	{Name: ColPubChemCID, Type: table.String},
	{Name: ColChEMBLID, Type: table.String},
}

// rowFilter 按靶点名称和物种筛选 BindingDB 行。
type rowFilter struct {
	targets   []*regexp.Regexp
	organisms []string
}

func newRowFilter(patterns, organisms []string) (*rowFilter, error) {
	f := &rowFilter{}
	for _, p := range patterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, fmt.Errorf("invalid target pattern %q: %w", p, err)
		}
		f.targets = append(f.targets, re)
	}
	for _, o := range organisms {
		f.organisms = append(f.organisms, strings.ToLower(o))
	}
	return f, nil
}

func (f *rowFilter) matchTarget(names ...string) bool {
	if len(f.targets) == 0 {
		return true
	}
	for _, name := range names {
		for _, re := range f.targets {
			if name != "" && re.MatchString(name) {
				return true
			}
		}
	}
	return false
}

func (f *rowFilter) matchOrganism(organism string) bool {
	if len(f.organisms) == 0 {
		return true
	}
	o := strings.ToLower(organism)
	for _, want := range f.organisms {
		if strings.Contains(o, want) {
			return true
		}
	}
	return false
}

// apply 返回靶点、物种匹配且至少有一个亲和力值的行。
func (f *rowFilter) apply(t *table.Table) *table.Table {
	target := t.ColumnIndex(ColTargetName)
	uniprot := t.ColumnIndex(ColUniProtName)
	organism := t.ColumnIndex(ColOrganism)
	affinity := make([]int, len(affinityColumns))
	for i, ac := range affinityColumns {
		affinity[i] = t.ColumnIndex(ac.column)
	}

	return t.Filter(func(r table.Row) bool {
		if !f.matchTarget(cell(r, target), cell(r, uniprot)) || !f.matchOrganism(cell(r, organism)) {
			return false
		}
		for _, i := range affinity {
			if strings.TrimSpace(cell(r, i)) != "" {
				return true
			}
		}
		return false
	})
}

func cell(r table.Row, i int) string {
	if i < 0 || i >= len(r) {
		return ""
	}
	s, _ := r[i].(string)
	return strings.TrimSpace(s)
}

// ligand 同一配体的所有结合记录。
type ligand struct {
	Key  string
	Name string
	Rows []table.Row
}

// groupLigands 按 InChIKey（缺失时按名称）分组，保持首次出现的顺序。
func groupLigands(t *table.Table) []*ligand {
	name := t.ColumnIndex(ColLigandName)
	key := t.ColumnIndex(ColInChIKey)

	index := make(map[string]*ligand)
	var out []*ligand
	for _, r := range t.Rows {
		n := cell(r, name)
		k := cell(r, key)
		if k == "" {
			k = strings.ToLower(n)
		}
		if k == "" {
			continue
		}
		l, ok := index[k]
		if !ok {
			l = &ligand{Key: k, Name: primaryName(n)}
			index[k] = l
			out = append(out, l)
		}
		l.Rows = append(l.Rows, r)
	}
	return out
}

// primaryName BindingDB 的配体名以 "::" 分隔多个别名，取第一个。
func primaryName(name string) string {
	if i := strings.Index(name, "::"); i >= 0 {
		name = name[:i]
	}
	return strings.TrimSpace(name)
}

// compoundFromRows 从 BindingDB 行构建化合物与结合数据。
// 同一靶点出现多次时保留亲和力最强（数值最小）的一条。
func compoundFromRows(cols *table.Table, l *ligand) (*domain.Compound, []domain.TargetBinding) {
	at := func(r table.Row, col string) string { return cell(r, cols.ColumnIndex(col)) }

	first := l.Rows[0]
	c := &domain.Compound{
		Name:        l.Name,
		SMILES:      at(first, ColSMILES),
		InChIKey:    at(first, ColInChIKey),
		PubChemCID:  at(first, ColPubChemCID),
		ChEMBLID:    at(first, ColChEMBLID),
		DataSources: []string{"BindingDB"},
	}
	if c.Name == "" {
		c.Name = c.InChIKey
	}
	for _, alias := range strings.Split(at(first, ColLigandName), "::") {
		if alias = strings.TrimSpace(alias); alias != "" && alias != c.Name {
			c.Synonyms = append(c.Synonyms, alias)
		}
	}

	best := make(map[string]int)
	var bindings []domain.TargetBinding
	for _, r := range l.Rows {
		b, ok := bindingFromRow(at, r)
		if !ok {
			continue
		}
		key := strings.ToLower(b.CommonName)
		if i, seen := best[key]; seen {
			if b.Affinity < bindings[i].Affinity {
				bindings[i] = b
			}
			continue
		}
		best[key] = len(bindings)
		bindings = append(bindings, b)
	}
	return c, bindings
}

func bindingFromRow(at func(table.Row, string) string, r table.Row) (domain.TargetBinding, bool) {
	name := at(r, ColTargetName)
	if name == "" {
		name = at(r, ColUniProtName)
	}
	if name == "" {
		return domain.TargetBinding{}, false
	}
	for _, ac := range affinityColumns {
		raw := at(r, ac.column)
		if raw == "" {
			continue
		}
		v, modifier, err := domain.ParseAffinity(raw)
		if err != nil || v <= 0 {
			continue
		}
		return domain.TargetBinding{
			CommonName:       name,
			ProteinName:      at(r, ColUniProtName),
			GeneName:         at(r, ColUniProtID),
			Affinity:         v,
			AffinityUnit:     "nM",
			AffinityType:     ac.kind,
			AffinityModifier: modifier,
			ActivityType:     domain.ClassifyActivity(at(r, ColAssay)),
			Source:           "BindingDB",
			DOI:              at(r, ColDOI),
			PMID:             at(r, ColPMID),
		}, true
	}
	return domain.TargetBinding{}, false
}
