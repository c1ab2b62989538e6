package tools

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/PipeOpsHQ/qoe-assistant/dataset"
	"github.com/PipeOpsHQ/qoe-assistant/qoe"
)

// DateLayout is the date format advertised to the model for window bounds.
const DateLayout = "2006-01-02 15:04:05"

// UndefinedQoE replaces a QoE that cannot be computed because the mean
// latency of its group is zero.
const UndefinedQoE = "indefinido (latência média igual a zero)"

const (
	BundleDefault = "default"
	BundleAll     = "all"
)

type clientArgs struct {
	Cliente    string `json:"cliente" jsonschema:"minLength=1" jsonschema_description:"Sigla do estado onde o cliente está localizado."`
	DataInicio string `json:"data_inicio,omitempty" jsonschema_description:"Data de inicio que se deseja analisar os dados. Os dados são filtrados para serem analisados a partir desta data. Utilize o formato YYYY-MM-DD HH:MM:SS"`
	DataFim    string `json:"data_fim,omitempty" jsonschema_description:"Data de fim que se deseja analisar os dados. Os dados são filtrados para serem analisados até esta data. Utilize o formato YYYY-MM-DD HH:MM:SS"`
}

type serverArgs struct {
	Servidor   string `json:"servidor" jsonschema:"minLength=1" jsonschema_description:"Sigla do estado onde o servidor está localizado."`
	DataInicio string `json:"data_inicio,omitempty" jsonschema_description:"Data de inicio que se deseja analisar os dados. Os dados são filtrados para serem analisados a partir desta data. Utilize o formato YYYY-MM-DD HH:MM:SS"`
	DataFim    string `json:"data_fim,omitempty" jsonschema_description:"Data de fim que se deseja analisar os dados. Os dados são filtrados para serem analisados até esta data. Utilize o formato YYYY-MM-DD HH:MM:SS"`
}

type pairArgs struct {
	Cliente    string `json:"cliente" jsonschema:"minLength=1" jsonschema_description:"Sigla do estado onde o cliente está localizado."`
	Servidor   string `json:"servidor" jsonschema:"minLength=1" jsonschema_description:"Sigla do estado onde o servidor está localizado."`
	DataInicio string `json:"data_inicio,omitempty" jsonschema_description:"Data de inicio que se deseja analisar os dados. Os dados são filtrados para serem analisados a partir desta data. Utilize o formato YYYY-MM-DD HH:MM:SS"`
	DataFim    string `json:"data_fim,omitempty" jsonschema_description:"Data de fim que se deseja analisar os dados. Os dados são filtrados para serem analisados até esta data. Utilize o formato YYYY-MM-DD HH:MM:SS"`
}

type qoeArgs struct {
	Bitrate  float64 `json:"bitrate" jsonschema_description:"Bitrate médio da conexão."`
	Latencia float64 `json:"latencia" jsonschema:"minimum=0" jsonschema_description:"Latência média da conexão."`
}

type qoeListArgs struct {
	ListaValoresQoE []float64 `json:"lista_valores_qoe" jsonschema_description:"Lista de valores de QoE previamente obtidos."`
}

// NewCatalog builds the registry of QoE tools over engine. Window bounds
// advertise the dataset span as their defaults. The default bundle holds the
// tools bound to the assistant; the all bundle adds the QoE-per-entity tools.
func NewCatalog(engine *qoe.Engine) (*Registry, error) {
	if engine == nil {
		return nil, fmt.Errorf("qoe engine is required")
	}
	c := &catalog{engine: engine}
	data := engine.Dataset()
	spanDefaults := []TypedOption{
		WithDefault("data_inicio", data.Start().Format(DateLayout)),
		WithDefault("data_fim", data.End().Format(DateLayout)),
	}

	reg := NewRegistry()
	var build []func() (Tool, error)
	build = append(build,
		func() (Tool, error) {
			return NewTypedTool(string(NameClientQoEs),
				"Função calcula o QoE entre um cliente especifico e todos os servidores que podem se conectar a ele. A função retorna o QoE de todos os pares possíveis com o cliente especificado.\nUtilize esta função para obter os diferentes valores de QoE para cada servidor conectado a um cliente específico.",
				c.clientQoEs, spanDefaults...)
		},
		func() (Tool, error) {
			return NewTypedTool(string(NameServerQoEs),
				"Função calcula o QoE entre um servidor especifico e todos os clientes que podem se conectar a ele. A função retorna o QoE de todos os pares possíveis com o servidor especificado.\nUtilize esta função para obter os diferentes valores de QoE para cada cliente conectado a um servidor específico.",
				c.serverQoEs, spanDefaults...)
		},
		func() (Tool, error) {
			return NewTypedTool(string(NamePairMeans),
				"Função retorna o bitrate e a latencia media ao longo do tempo (data_inicio até data_fim) para um par cliente servidor. Use esta função para obter os valores de bitrate e latencia para o calculo do QoE.\nUse está função somente quando precisar calcular o QoE de um único par cliente servidor.",
				c.pairMeans, spanDefaults...)
		},
		func() (Tool, error) {
			return NewTypedTool(string(NameClientMeans),
				"Função retorna o bitrate e a latencia media ao longo do tempo (data_inicio até data_fim) do cliente especificado em relação a todos os servidores que podem se conectar a ele.\nUse esta função para obter os valores de bitrate e latencia de um cliente específico em relação a todos os seus servidores para o calculo dos QoEs. Use está função quando for necessário calcular o QoE em relação a todos os servidores do cliente.",
				c.clientMeans, spanDefaults...)
		},
		func() (Tool, error) {
			return NewTypedTool(string(NameServerMeans),
				"Função retorna o bitrate e a latencia media ao longo do tempo (data_inicio até data_fim) do servidor especificado em relação a todos os clientes que podem se conectar a ele.\nUse esta função para obter os valores de bitrate e latencia de um servidor específico em relação a todos os seus clientes para o calculo dos QoEs. Use está função quando for necessário calcular o QoE em relação a todos os clientes do servidor.",
				c.serverMeans, spanDefaults...)
		},
		func() (Tool, error) {
			return NewTypedTool(string(NameComputeQoE),
				"Função que calcula o QoE dado o bitrate e a latencia da conexão. O QoE é calculado como a razão entre o bitrate e a latência de uma conexão.",
				c.computeQoE)
		},
		func() (Tool, error) {
			return NewTypedTool(string(NameMeanQoE),
				"Calcula a media dos valores de qoe na lista fornecida",
				c.meanQoE)
		},
		func() (Tool, error) {
			return NewTypedTool(string(NameVarianceQoE),
				"Calcula a variancia dos valores de qoe na lista fornecida. Use para analisar a consistencia da rede",
				c.varianceQoE)
		},
	)
	for _, fn := range build {
		t, err := fn()
		if err != nil {
			return nil, err
		}
		if err := reg.Register(t); err != nil {
			return nil, err
		}
	}

	if err := reg.RegisterBundle(BundleDefault, "Ferramentas disponibilizadas ao assistente.", []Name{
		NamePairMeans,
		NameComputeQoE,
		NameMeanQoE,
		NameVarianceQoE,
		NameClientMeans,
		NameServerMeans,
	}); err != nil {
		return nil, err
	}
	if err := reg.RegisterBundle(BundleAll, "Todas as ferramentas de QoE.", Names()); err != nil {
		return nil, err
	}
	return reg, nil
}

type catalog struct {
	engine *qoe.Engine
}

func (c *catalog) clientQoEs(_ context.Context, in clientArgs) (any, error) {
	w, err := parseWindow(in.DataInicio, in.DataFim)
	if err != nil {
		return nil, err
	}
	out := c.engine.ClientQoE(in.Cliente, w)
	if !out.OK() {
		return statusMessage(out.Status, in.Cliente, ""), nil
	}
	return qoeTable(out), nil
}

func (c *catalog) serverQoEs(_ context.Context, in serverArgs) (any, error) {
	w, err := parseWindow(in.DataInicio, in.DataFim)
	if err != nil {
		return nil, err
	}
	out := c.engine.ServerQoE(in.Servidor, w)
	if !out.OK() {
		return statusMessage(out.Status, "", in.Servidor), nil
	}
	return qoeTable(out), nil
}

func (c *catalog) pairMeans(_ context.Context, in pairArgs) (any, error) {
	w, err := parseWindow(in.DataInicio, in.DataFim)
	if err != nil {
		return nil, err
	}
	out := c.engine.PairMeans(in.Cliente, in.Servidor, w)
	if !out.OK() {
		return statusMessage(out.Status, in.Cliente, in.Servidor), nil
	}
	return meansTable(out), nil
}

func (c *catalog) clientMeans(_ context.Context, in clientArgs) (any, error) {
	return c.entityMeans(qoe.RoleClient, in.Cliente, in.DataInicio, in.DataFim)
}

func (c *catalog) serverMeans(_ context.Context, in serverArgs) (any, error) {
	return c.entityMeans(qoe.RoleServer, in.Servidor, in.DataInicio, in.DataFim)
}

func (c *catalog) entityMeans(role qoe.Role, id, start, end string) (any, error) {
	w, err := parseWindow(start, end)
	if err != nil {
		return nil, err
	}
	out, err := c.engine.EntityMeans(role, id, w)
	if err != nil {
		return nil, err
	}
	if !out.OK() {
		if role == qoe.RoleClient {
			return statusMessage(out.Status, id, ""), nil
		}
		return statusMessage(out.Status, "", id), nil
	}
	return meansTable(out), nil
}

func (c *catalog) computeQoE(_ context.Context, in qoeArgs) (any, error) {
	v, err := qoe.Ratio(in.Bitrate, in.Latencia)
	switch {
	case errors.Is(err, qoe.ErrZeroLatency):
		return "O QoE não pode ser calculado: a latência informada é zero.", nil
	case errors.Is(err, qoe.ErrOverflow):
		return "O QoE não pode ser calculado: o resultado excede o intervalo numérico representável.", nil
	case err != nil:
		return nil, err
	}
	return "O QoE calculado é " + formatNumber(v), nil
}

func (c *catalog) meanQoE(_ context.Context, in qoeListArgs) (any, error) {
	v, err := qoe.Mean(in.ListaValoresQoE)
	if err != nil {
		return listMessage("A média dos valores dos QoEs", err)
	}
	return "A média dos valores dos QoEs é " + formatNumber(v), nil
}

func (c *catalog) varianceQoE(_ context.Context, in qoeListArgs) (any, error) {
	v, err := qoe.Variance(in.ListaValoresQoE)
	if err != nil {
		return listMessage("A variancia dos valores dos QoEs", err)
	}
	return "A variancia dos valores dos QoEs é " + formatNumber(v), nil
}

func listMessage(subject string, err error) (any, error) {
	switch {
	case errors.Is(err, qoe.ErrEmpty):
		return "A lista de valores de QoE está vazia.", nil
	case errors.Is(err, qoe.ErrOverflow):
		return subject + " é indefinida: o resultado excede o intervalo numérico representável.", nil
	}
	return nil, err
}

// statusMessage renders a data-level outcome as the sentence returned to
// the model.
func statusMessage(status dataset.Status, client, server string) string {
	switch status {
	case dataset.StatusUnknownClient:
		return fmt.Sprintf("O cliente %s não existe na rede.", client)
	case dataset.StatusUnknownServer:
		return fmt.Sprintf("O servidor %s não existe na rede.", server)
	case dataset.StatusUnknownPair:
		return fmt.Sprintf("O cliente %s não se conecta ao servidor %s", client, server)
	case dataset.StatusEmptyRange:
		return "Não há dados para essas datas."
	default:
		return fmt.Sprintf("Resultado inesperado: %s", status)
	}
}

type table = orderedmap.OrderedMap[string, any]

func qoeTable(out qoe.Outcome) *table {
	t := orderedmap.New[string, any]()
	for _, q := range out.QoEs() {
		row := orderedmap.New[string, any]()
		if q.Defined {
			row.Set("qoe", q.Value)
		} else {
			row.Set("qoe", UndefinedQoE)
		}
		t.Set(q.Pair.String(), row)
	}
	return t
}

func meansTable(out qoe.Outcome) *table {
	t := orderedmap.New[string, any]()
	for _, m := range out.Pairs {
		row := orderedmap.New[string, any]()
		row.Set("bitrate", m.Bitrate)
		row.Set("latencia", m.Latency)
		t.Set(m.Pair.String(), row)
	}
	return t
}

// parseWindow turns optional date arguments into a window. Empty bounds fall
// back to the dataset edges.
func parseWindow(start, end string) (qoe.Window, error) {
	var w qoe.Window
	if s := strings.TrimSpace(start); s != "" {
		t, err := parseDate(s)
		if err != nil {
			return w, fmt.Errorf("data_inicio inválida %q: use o formato YYYY-MM-DD HH:MM:SS", s)
		}
		w.Start = &t
	}
	if s := strings.TrimSpace(end); s != "" {
		t, err := parseDate(s)
		if err != nil {
			return w, fmt.Errorf("data_fim inválida %q: use o formato YYYY-MM-DD HH:MM:SS", s)
		}
		w.End = &t
	}
	return w, nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.ParseInLocation(DateLayout, s, time.UTC); err == nil {
		return t, nil
	}
	// Brazilian dates put the day first: 02/01/2024 is January 2.
	t, err := dateparse.ParseIn(s, time.UTC, dateparse.PreferMonthFirst(false))
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// formatNumber prints whole numbers with a trailing ".0" so scalar answers
// read as reals.
func formatNumber(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEn") {
		s += ".0"
	}
	return s
}
