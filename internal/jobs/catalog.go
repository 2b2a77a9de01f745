package jobs

import (
	etl "github.com/paccafe/retail-etl"
	"github.com/paccafe/retail-etl/internal/extract"
	"github.com/paccafe/retail-etl/internal/load"
	"github.com/paccafe/retail-etl/internal/transform"
)

// Table is a staging table and its primary key.
type Table struct {
	Name string
	Key  string
}

// SourceTables are copied from the source database, in load order.
var SourceTables = []Table{
	{Name: "customers", Key: "customer_id"},
	{Name: "employees", Key: "employee_id"},
	{Name: "products", Key: "product_id"},
	{Name: "orders", Key: "order_id"},
	{Name: "order_details", Key: "order_detail_id"},
	{Name: "inventory_tracking", Key: "tracking_id"},
}

// StoreBranch is staged from the spreadsheet worksheet of the same name.
var StoreBranch = Table{Name: "store_branch", Key: "store_id"}

// Definition describes a warehouse table: where it comes from, the
// dimensions it resolves keys against, and how it is built.
type Definition struct {
	Source     string
	Target     string
	Key        string
	Dimensions []extract.Dimension
	Transform  transform.Func
}

// DependsOn returns the dimensions that must load before d.
func (d Definition) DependsOn() []string {
	deps := make([]string, 0, len(d.Dimensions))
	for _, dim := range d.Dimensions {
		deps = append(deps, dim.Table)
	}
	return deps
}

// Definitions returns the warehouse tables in dependency order.
func Definitions() []Definition {
	return []Definition{
		{
			Source:    "store_branch",
			Target:    transform.DimStoreBranch,
			Key:       "nk_store_id",
			Transform: transform.StoreBranch,
		},
		{
			Source:    "customers",
			Target:    transform.DimCustomers,
			Key:       "nk_customer_id",
			Transform: transform.Customers,
		},
		{
			Source:    "employees",
			Target:    transform.DimEmployees,
			Key:       "nk_employee_id",
			Transform: transform.Employees,
		},
		{
			Source: "products",
			Target: transform.DimProducts,
			Key:    "nk_product_id",
			Dimensions: []extract.Dimension{
				{Table: transform.DimStoreBranch, NK: "store_name", SK: "sk_store_branch"},
			},
			Transform: transform.Products,
		},
		{
			Source: "orders",
			Target: transform.FctOrder,
			Key:    "nk_order_id",
			Dimensions: []extract.Dimension{
				{Table: transform.DimCustomers, NK: "nk_customer_id", SK: "sk_customer_id"},
				{Table: transform.DimEmployees, NK: "nk_employee_id", SK: "sk_employee_id"},
			},
			Transform: transform.Orders,
		},
		{
			Source: "inventory_tracking",
			Target: transform.FctInventory,
			Key:    "nk_tracking_id",
			Dimensions: []extract.Dimension{
				{Table: transform.DimProducts, NK: "nk_product_id", SK: "sk_product_id"},
			},
			Transform: transform.Inventory,
		},
	}
}

// StagingSources are the readers and location of the staging inputs.
type StagingSources struct {
	Database     Reader
	SourceSchema string

	// Sheet and SpreadsheetKey are optional. Without them store_branch is
	// not staged.
	Sheet          Reader
	SpreadsheetKey string
	Worksheet      string
}

// Staging returns the staging jobs writing into schema.
func Staging(src StagingSources, loader Loader, schema string) []etl.Job {
	var out []etl.Job
	for _, t := range SourceTables {
		out = append(out, &Snapshot{
			spec:      etl.JobSpec{Step: etl.StepStaging, Source: t.Name, Target: t.Name},
			container: src.SourceSchema,
			reader:    src.Database,
			loader:    loader,
			target:    load.Target{Schema: schema, Table: t.Name, Key: t.Key},
		})
	}
	if src.Sheet != nil && src.SpreadsheetKey != "" {
		worksheet := src.Worksheet
		if worksheet == "" {
			worksheet = StoreBranch.Name
		}
		out = append(out, &Snapshot{
			spec:      etl.JobSpec{Step: etl.StepStaging, Source: worksheet, Target: StoreBranch.Name},
			container: src.SpreadsheetKey,
			reader:    src.Sheet,
			loader:    loader,
			target:    load.Target{Schema: schema, Table: StoreBranch.Name, Key: StoreBranch.Key},
			// Staging stamps created_at itself, which the warehouse
			// extraction of store_branch depends on.
			drop: []string{"created_at"},
		})
	}
	return out
}

// WarehouseSources are the components the warehouse jobs read through.
type WarehouseSources struct {
	Staging       Extractor
	StagingSchema string
	Keys          KeyReader
}

// WarehouseJobs returns one job per definition, writing into schema.
func WarehouseJobs(defs []Definition, src WarehouseSources, loader Loader, schema string) []etl.Job {
	out := make([]etl.Job, 0, len(defs))
	for _, d := range defs {
		out = append(out, &Warehouse{
			spec: etl.JobSpec{
				Step:      etl.StepWarehouse,
				Source:    d.Source,
				Target:    d.Target,
				DependsOn: d.DependsOn(),
			},
			def:       d,
			schema:    src.StagingSchema,
			extractor: src.Staging,
			keys:      src.Keys,
			loader:    loader,
			target:    load.Target{Schema: schema, Table: d.Target, Key: d.Key},
		})
	}
	return out
}
