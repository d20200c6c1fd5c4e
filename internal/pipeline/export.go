package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/an0mium/chemdata/internal/domain"
	"github.com/an0mium/chemdata/internal/table"
)

// 每个靶点槽位导出的列后缀
var targetFields = []string{"name", "protein", "gene", "affinity", "unit", "type", "modifier", "activity", "source", "doi", "pmid", "relevance"}

// ExportColumns 返回结果表的列定义：化合物字段，然后是 target_1_* 到 target_12_*。
func ExportColumns() []table.Column {
	cols := []table.Column{
		{Name: "name", Type: table.String},
		{Name: "cas", Type: table.String},
		{Name: "iupac_name", Type: table.String},
		{Name: "smiles", Type: table.String},
		{Name: "inchi_key", Type: table.String},
		{Name: "pubchem_cid", Type: table.String},
		{Name: "chembl_id", Type: table.String},
		{Name: "molecular_weight", Type: table.Float},
		{Name: "xlogp", Type: table.Float},
		{Name: "tpsa", Type: table.Float},
		{Name: "synonyms", Type: table.String},
		{Name: "data_sources", Type: table.String},
	}
	for i := 1; i <= domain.MaxTargets; i++ {
		for _, f := range targetFields {
			typ := table.String
			switch f {
			case "affinity":
				typ = table.Float
			case "relevance":
				typ = table.Int
			}
			cols = append(cols, table.Column{Name: fmt.Sprintf("target_%d_%s", i, f), Type: typ})
		}
	}
	return cols
}

// CompoundsTable 把化合物转换为宽表，空槽位的单元格为 nil，缺失的标识符写为 N/A。
func CompoundsTable(compounds []domain.Compound) *table.Table {
	t := table.New(ExportColumns())
	for _, c := range compounds {
		row := table.Row{
			c.Name,
			orNA(c.CAS),
			orNA(c.IUPACName),
			orNA(c.SMILES),
			orNA(c.InChIKey),
			orNA(c.PubChemCID),
			orNA(c.ChEMBLID),
			positive(c.MolecularWeight),
			nonZero(c.XLogP),
			positive(c.TPSA),
			strings.Join(c.Synonyms, "; "),
			strings.Join(c.DataSources, "; "),
		}
		for _, b := range c.Targets {
			if b.IsZero() {
				row = append(row, make(table.Row, len(targetFields))...)
				continue
			}
			row = append(row,
				b.CommonName, b.ProteinName, b.GeneName, b.Affinity, b.AffinityUnit, b.AffinityType,
				b.AffinityModifier, b.ActivityType, b.Source, b.DOI, b.PMID, int64(b.Relevance),
			)
		}
		_ = t.Append(row)
	}
	return t
}

// WriteResults 把化合物结果原子地写为 TSV 文件。
func WriteResults(path string, compounds []domain.Compound) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".results-*")
	if err != nil {
		return fmt.Errorf("create results file: %w", err)
	}
	if err := table.WriteTSV(tmp, CompoundsTable(compounds)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write results: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write results: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write results: %w", err)
	}
	return nil
}

func orNA(s string) string {
	if s == "" {
		return domain.NotAvailable
	}
	return s
}

func positive(v float64) any {
	if v > 0 {
		return v
	}
	return nil
}

func nonZero(v float64) any {
	if v != 0 {
		return v
	}
	return nil
}
