package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chazu/boundary/pkg/meta"
)

var dumpFlags struct {
	Method string
	Bodies bool
}

var dumpCmd = &cobra.Command{
	Use:   "dump <image>",
	Short: "Print the types, members and method bodies of an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		ws, err := openWorkspace(filepath.Dir(path))
		if err != nil {
			return err
		}
		mods, err := ws.load([]string{path})
		if err != nil {
			return err
		}
		dumpModule(cmd.OutOrStdout(), mods[path])
		return nil
	},
}

func init() {
	dumpCmd.Flags().StringVarP(&dumpFlags.Method, "method", "m", "", "only dump methods with this name")
	dumpCmd.Flags().BoolVarP(&dumpFlags.Bodies, "bodies", "b", false, "disassemble method bodies")
}

func dumpModule(w io.Writer, m *meta.Module) {
	fmt.Fprintf(w, "module %s %s\n", m.Name, m.Mvid)
	for _, ref := range m.References {
		fmt.Fprintf(w, "  reference %s\n", ref)
	}
	dumpAttrs(w, "  ", m.AssemblyAttributes)
	for _, t := range m.AllTypes() {
		fmt.Fprintf(w, "\ntype %s", t.FullName())
		if t.BaseType != nil {
			fmt.Fprintf(w, " : %s", t.BaseType)
		}
		fmt.Fprintln(w)
		dumpAttrs(w, "  ", t.CustomAttributes)
		for _, f := range t.Fields {
			fmt.Fprintf(w, "  field %s %s\n", f.FieldType, f.Name)
		}
		for _, p := range t.Properties {
			fmt.Fprintf(w, "  property %s\n", p.Name)
		}
		for _, md := range t.Methods {
			if dumpFlags.Method != "" && md.Name != dumpFlags.Method {
				continue
			}
			dumpMethod(w, md)
		}
	}
}

func dumpMethod(w io.Writer, md *meta.MethodDef) {
	params := make([]string, len(md.Params))
	for i, p := range md.Params {
		params[i] = fmt.Sprintf("%s %s", p.Type, p.Name)
	}
	static := ""
	if md.IsStatic() {
		static = "static "
	}
	fmt.Fprintf(w, "  method %s%s %s(%s)\n", static, md.ReturnType, md.Name, strings.Join(params, ", "))
	dumpAttrs(w, "    ", md.CustomAttributes)
	if (dumpFlags.Bodies || dumpFlags.Method != "") && md.HasBody() {
		for _, line := range md.Body.DisassembleToLines() {
			fmt.Fprintf(w, "    %s\n", line)
		}
	}
}

func dumpAttrs(w io.Writer, indent string, attrs []*meta.CustomAttribute) {
	for _, a := range attrs {
		fmt.Fprintf(w, "%s[%s]\n", indent, a.AttributeType())
	}
}
