package transform

import (
	"strings"

	etl "github.com/paccafe/retail-etl"
)

// Warehouse tables.
const (
	DimStoreBranch = "dim_store_branch"
	DimCustomers   = "dim_customers"
	DimEmployees   = "dim_employees"
	DimProducts    = "dim_products"
	FctOrder       = "fct_order"
	FctInventory   = "fct_inventory"
)

// placeholderRoles are role values the source systems use for rows that do
// not describe a real employee.
var placeholderRoles = map[string]bool{
	"today": true,
	"third": true,
	"me":    true,
}

// StoreBranch builds dim_store_branch from the store_branch worksheet.
func StoreBranch(in etl.Input) (etl.Transformed, error) {
	t, err := begin(in, DimStoreBranch,
		map[string]string{"store_id": "nk_store_id"},
		"nk_store_id", "store_name")
	if err != nil {
		return etl.Transformed{}, err
	}
	t.requireValues("nk_store_id", "store_name")
	t.out.DedupeLast("nk_store_id")
	return t.result(), nil
}

// Customers builds dim_customers.
func Customers(in etl.Input) (etl.Transformed, error) {
	t, err := begin(in, DimCustomers,
		map[string]string{"customer_id": "nk_customer_id"},
		"nk_customer_id")
	if err != nil {
		return etl.Transformed{}, err
	}
	t.requireValues("nk_customer_id")
	t.out.DedupeLast("nk_customer_id")
	return t.result(), nil
}

// Employees builds dim_employees. Rows with a placeholder role are rejected.
func Employees(in etl.Input) (etl.Transformed, error) {
	t, err := begin(in, DimEmployees,
		map[string]string{"employee_id": "nk_employee_id"},
		"nk_employee_id", "role", "first_name", "last_name")
	if err != nil {
		return etl.Transformed{}, err
	}
	t.requireValues("nk_employee_id", "role", "first_name", "last_name")

	role := t.out.Index("role")
	t.reject(func(row []any) string {
		if r, ok := row[role].(string); ok && placeholderRoles[strings.ToLower(strings.TrimSpace(r))] {
			return "placeholder role"
		}
		return ""
	})
	t.out.DedupeLast("nk_employee_id")
	return t.result(), nil
}

// Products builds dim_products. The store branch is optional: an unknown
// store name leaves sk_store_branch NULL. Prices are made non-negative.
func Products(in etl.Input) (etl.Transformed, error) {
	t, err := begin(in, DimProducts,
		map[string]string{"product_id": "nk_product_id", "store_branch": "store_name"},
		"nk_product_id", "store_name", "unit_price", "cost_price")
	if err != nil {
		return etl.Transformed{}, err
	}
	t.requireValues("nk_product_id")
	t.out.DedupeLast("nk_product_id")

	if err := t.resolve(in, Ref{
		Table:  DimStoreBranch,
		Column: "store_name",
		Key:    "store_name",
		Value:  "sk_store_branch",
	}); err != nil {
		return t.result(), err
	}
	if err := t.apply(NormalizePrice, "unit_price", "cost_price"); err != nil {
		return t.result(), err
	}
	return t.result(), nil
}

// Orders builds fct_order. Every order must resolve its customer; the
// employee is optional.
func Orders(in etl.Input) (etl.Transformed, error) {
	t, err := begin(in, FctOrder,
		map[string]string{"order_id": "nk_order_id"},
		"nk_order_id", "customer_id", "employee_id", "order_date")
	if err != nil {
		return etl.Transformed{}, err
	}
	t.requireValues("nk_order_id", "customer_id")
	t.out.DedupeLast("nk_order_id")

	if err := t.resolve(in, Ref{
		Table:     DimCustomers,
		Column:    "customer_id",
		Key:       "nk_customer_id",
		Value:     "sk_customer_id",
		Mandatory: true,
	}); err != nil {
		return t.result(), err
	}
	if err := t.resolve(in, Ref{
		Table:  DimEmployees,
		Column: "employee_id",
		Key:    "nk_employee_id",
		Value:  "sk_employee_id",
	}); err != nil {
		return t.result(), err
	}
	if err := t.apply(NormalizeDate, "order_date"); err != nil {
		return t.result(), err
	}
	t.out.DropColumns("customer_id", "employee_id")
	return t.result(), nil
}

// Inventory builds fct_inventory. Every movement must resolve its product.
func Inventory(in etl.Input) (etl.Transformed, error) {
	t, err := begin(in, FctInventory,
		map[string]string{"tracking_id": "nk_tracking_id"},
		"nk_tracking_id", "product_id", "change_date")
	if err != nil {
		return etl.Transformed{}, err
	}
	t.requireValues("nk_tracking_id", "product_id")
	t.out.DedupeLast("nk_tracking_id")

	if err := t.resolve(in, Ref{
		Table:     DimProducts,
		Column:    "product_id",
		Key:       "nk_product_id",
		Value:     "sk_product_id",
		Mandatory: true,
	}); err != nil {
		return t.result(), err
	}
	if err := t.apply(NormalizeDate, "change_date"); err != nil {
		return t.result(), err
	}
	t.out.DropColumns("product_id")
	return t.result(), nil
}

// ByTarget returns the transform of each warehouse table.
func ByTarget() map[string]Func {
	return map[string]Func{
		DimStoreBranch: StoreBranch,
		DimCustomers:   Customers,
		DimEmployees:   Employees,
		DimProducts:    Products,
		FctOrder:       Orders,
		FctInventory:   Inventory,
	}
}
