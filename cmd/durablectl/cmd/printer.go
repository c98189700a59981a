package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/oriys/nimbus-durable/internal/api"
	"github.com/oriys/nimbus-durable/internal/domain"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Printer 是格式化输出的处理器。
// 根据配置的输出格式（table/json/yaml）将数据格式化后输出到指定的 writer。
type Printer struct {
	format string
	writer io.Writer
}

// NewPrinter 创建一个新的 Printer 实例，输出格式从 viper 的 output 读取。
func NewPrinter(w io.Writer) *Printer {
	format := viper.GetString("output")
	if format == "" {
		format = "table"
	}
	return &Printer{format: format, writer: w}
}

// PrintInstance 打印单个实例的状态。
func (p *Printer) PrintInstance(inst *domain.OrchestrationInstance) error {
	switch p.format {
	case "json":
		return p.printJSON(inst)
	case "yaml":
		return p.printYAML(inst)
	}
	fmt.Fprintf(p.writer, "Instance:  %s\n", inst.InstanceID)
	fmt.Fprintf(p.writer, "Name:      %s\n", inst.Name)
	fmt.Fprintf(p.writer, "Status:    %s\n", inst.Status)
	fmt.Fprintf(p.writer, "Created:   %s\n", inst.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(p.writer, "Updated:   %s\n", inst.LastUpdatedAt.Format(time.RFC3339))
	if len(inst.CustomStatus) > 0 {
		fmt.Fprintf(p.writer, "Custom:    %s\n", inst.CustomStatus)
	}
	if len(inst.Output) > 0 {
		fmt.Fprintf(p.writer, "Output:    %s\n", inst.Output)
	}
	if f := inst.Failure; f != nil {
		fmt.Fprintf(p.writer, "Failure:   %s: %s\n", f.ErrorType, f.ErrorMessage)
		for inner := f.InnerFailure; inner != nil; inner = inner.InnerFailure {
			fmt.Fprintf(p.writer, "  caused by %s: %s\n", inner.ErrorType, inner.ErrorMessage)
		}
	}
	return nil
}

// PrintInstances 打印实例列表。
func (p *Printer) PrintInstances(list []*domain.OrchestrationInstance) error {
	switch p.format {
	case "json":
		return p.printJSON(list)
	case "yaml":
		return p.printYAML(list)
	}
	if len(list) == 0 {
		fmt.Fprintln(p.writer, "No instances found.")
		return nil
	}
	w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INSTANCE\tNAME\tSTATUS\tCREATED\tUPDATED")
	for _, inst := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			inst.InstanceID, inst.Name, inst.Status,
			inst.CreatedAt.Format(time.RFC3339), inst.LastUpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

// PrintCheckStatus 打印启动编排后返回的管理链接。
func (p *Printer) PrintCheckStatus(cs *api.CheckStatusResponse) error {
	switch p.format {
	case "json":
		return p.printJSON(cs)
	case "yaml":
		return p.printYAML(cs)
	}
	fmt.Fprintf(p.writer, "Instance:  %s\n", cs.ID)
	fmt.Fprintf(p.writer, "Status:    %s\n", cs.StatusQueryGetURI)
	fmt.Fprintf(p.writer, "Events:    %s\n", cs.SendEventPostURI)
	fmt.Fprintf(p.writer, "Purge:     %s\n", cs.PurgeHistoryDeleteURI)
	return nil
}

// PrintOutput 打印编排输出。
func (p *Printer) PrintOutput(output json.RawMessage) error {
	if p.format == "yaml" {
		return p.printYAML(output)
	}
	_, err := fmt.Fprintf(p.writer, "%s\n", output)
	return err
}

// PrintFunctions 打印函数元数据列表。
func (p *Printer) PrintFunctions(fns []api.FunctionMetadata) error {
	switch p.format {
	case "json":
		return p.printJSON(fns)
	case "yaml":
		return p.printYAML(fns)
	}
	if len(fns) == 0 {
		fmt.Fprintln(p.writer, "No functions registered.")
		return nil
	}
	w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tKIND\tTRIGGER\tENTRY POINT")
	for _, fn := range fns {
		trigger := ""
		if len(fn.Bindings) > 0 {
			trigger = fn.Bindings[0].Type
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", fn.Key, fn.Kind, trigger, fn.EntryPoint)
	}
	return w.Flush()
}

// printJSON 以 JSON 格式输出数据，使用 2 空格缩进。
func (p *Printer) printJSON(v any) error {
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printYAML 以 YAML 格式输出数据，使用 2 空格缩进。
// 先经过 JSON 编码，字段名与 JSON 输出一致，原始 JSON 字段也能展开。
func (p *Printer) printYAML(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var view any
	if err := json.Unmarshal(raw, &view); err != nil {
		return err
	}
	enc := yaml.NewEncoder(p.writer)
	enc.SetIndent(2)
	return enc.Encode(view)
}
