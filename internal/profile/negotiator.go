package profile

// Negotiator 组合静态配置与目录表，对外提供一次完成协商与驻留的入口。
type Negotiator struct {
	opts  Options
	table *Table
}

// NewNegotiator 创建 Negotiator，table 由调用方持有并负责 Dispose。
func NewNegotiator(opts Options, table *Table) *Negotiator {
	return &Negotiator{opts: opts, table: table}
}

// Negotiate 计算 report 对应的 profile，并解析出（或新建）对应的编译目录。
func (n *Negotiator) Negotiate(report RuntimeReport) (Directory, bool, error) {
	return n.table.Resolve(Negotiate(report, n.opts))
}

// Table 返回底层目录表。
func (n *Negotiator) Table() *Table {
	return n.table
}
