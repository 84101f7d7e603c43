package ldap

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-hclog"
)

// Attribute syntaxes stored as raw octets.
var binarySyntaxes = map[string]string{
	"2.5.5.10": "Octet String",
	"2.5.5.15": "NT-Sec-Desc",
	"2.5.5.17": "SID",
}

// AttributeSchema describes one attributeSchema object.
type AttributeSchema struct {
	Name        string
	Syntax      string // attributeSyntax OID
	OMSyntax    string
	SingleValue bool
}

// Binary reports whether values of this attribute are raw octets.
func (a AttributeSchema) Binary() bool {
	_, ok := binarySyntaxes[a.Syntax]
	return ok
}

// SchemaResolver looks attribute definitions up in the schema naming context.
// Results, including misses, are cached for the resolver's lifetime.
type SchemaResolver struct {
	client Client
	logger hclog.Logger

	mu       sync.Mutex
	schemaDN string
	probed   bool
	cache    map[string]*AttributeSchema
}

// NewSchemaResolver creates a resolver. schemaDN may be empty, in which case
// it is read from the root DSE on first use.
func NewSchemaResolver(client Client, schemaDN string, logger hclog.Logger) *SchemaResolver {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &SchemaResolver{
		client:   client,
		logger:   logger,
		schemaDN: schemaDN,
		probed:   schemaDN != "",
		cache:    make(map[string]*AttributeSchema),
	}
}

// Lookup returns the definition of name. known is false when the directory
// exposes no schema naming context; a nil definition with known true means
// the schema doesn't define the attribute.
func (s *SchemaResolver) Lookup(ctx context.Context, name string) (def *AttributeSchema, known bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.probed {
		info, err := s.client.GetServerInfo(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("failed to read schema naming context: %w", err)
		}
		s.schemaDN = info["schemaNamingContext"]
		s.probed = true
		if s.schemaDN == "" {
			s.logger.Warn("Directory exposes no schema naming context, attribute syntax will be inferred from values")
		}
	}

	if s.schemaDN == "" {
		return nil, false, nil
	}

	key := strings.ToLower(name)
	if def, ok := s.cache[key]; ok {
		return def, true, nil
	}

	result, err := s.client.Search(ctx, &SearchRequest{
		BaseDN:     s.schemaDN,
		Scope:      ScopeSingleLevel,
		Filter:     fmt.Sprintf("(&(objectClass=attributeSchema)(lDAPDisplayName=%s))", ldap.EscapeFilter(name)),
		Attributes: []string{"lDAPDisplayName", "attributeSyntax", "oMSyntax", "isSingleValued"},
		SizeLimit:  1,
	})
	if err != nil {
		return nil, true, fmt.Errorf("failed to look up schema for %s: %w", name, err)
	}

	if len(result.Entries) == 0 {
		s.cache[key] = nil
		return nil, true, nil
	}

	entry := result.Entries[0]
	def = &AttributeSchema{
		Name:        entry.GetAttributeValue("lDAPDisplayName"),
		Syntax:      entry.GetAttributeValue("attributeSyntax"),
		OMSyntax:    entry.GetAttributeValue("oMSyntax"),
		SingleValue: strings.EqualFold(entry.GetAttributeValue("isSingleValued"), "TRUE"),
	}
	s.cache[key] = def

	s.logger.Debug("Resolved attribute schema", "attribute", def.Name, "syntax", def.Syntax, "binary", def.Binary())
	return def, true, nil
}
