package srcmap

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"
	"github.com/smacker/go-tree-sitter/cpp"
)

// Index lists the function definitions of a source file.
type Index struct {
	Path string
	// Funcs maps unqualified function names to their 1-based definition line.
	Funcs map[string]int
}

// IndexSource parses a C or C++ file and records where each function is
// defined. The language is chosen by file extension.
func IndexSource(path string) (*Index, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", path, err)
	}
	return IndexBytes(path, content)
}

// IndexBytes indexes in-memory source. path only selects the language.
func IndexBytes(path string, content []byte) (*Index, error) {
	parser := sitter.NewParser()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cc", ".cpp", ".cxx", ".hpp", ".hh":
		parser.SetLanguage(cpp.GetLanguage())
	default:
		parser.SetLanguage(c.GetLanguage())
	}

	tree := parser.Parse(nil, content)
	if tree == nil {
		return nil, fmt.Errorf("parsing file %s failed", path)
	}
	defer tree.Close()

	idx := &Index{Path: path, Funcs: make(map[string]int)}
	walkForFunctions(tree.RootNode(), content, idx)
	return idx, nil
}

func walkForFunctions(node *sitter.Node, content []byte, idx *Index) {
	if node == nil {
		return
	}
	if node.Type() == "function_definition" {
		if name := functionName(node.ChildByFieldName("declarator"), content); name != "" {
			if _, seen := idx.Funcs[name]; !seen {
				idx.Funcs[name] = int(node.StartPoint().Row) + 1
			}
		}
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		walkForFunctions(node.Child(i), content, idx)
	}
}

// functionName descends through pointer, reference and function
// declarators to the identifier naming the function.
func functionName(node *sitter.Node, content []byte) string {
	for node != nil {
		switch node.Type() {
		case "identifier", "field_identifier", "destructor_name", "operator_name":
			return node.Content(content)
		case "qualified_identifier":
			name := node.Content(content)
			if i := strings.LastIndex(name, "::"); i >= 0 {
				name = name[i+2:]
			}
			return name
		case "function_declarator", "pointer_declarator", "reference_declarator", "parenthesized_declarator":
			next := node.ChildByFieldName("declarator")
			if next == nil && node.NamedChildCount() > 0 {
				next = node.NamedChild(0)
			}
			node = next
		default:
			return ""
		}
	}
	return ""
}
