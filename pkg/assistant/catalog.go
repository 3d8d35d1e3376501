package assistant

import "lexassist/pkg/domain"

const (
	DefaultModel       = "gpt-4o"
	DefaultTemperature = 0.7

	// GeneralInstructions is the system prompt of conversations without an assistant.
	GeneralInstructions = "Você é um assistente jurídico especializado em direito brasileiro. Forneça informações precisas e úteis sobre questões jurídicas."
	// GeneralGreeting opens conversations without an assistant.
	GeneralGreeting = "Olá, como posso ajudar você hoje?"
)

var catalog = []domain.Assistant{
	{
		ID:           "penal",
		Name:         "Especialista Penal",
		Description:  "Análise de casos criminais e estratégias de defesa",
		Icon:         "gavel",
		Category:     "juridico",
		Instructions: "Você é um especialista em direito penal brasileiro. Forneça análises precisas sobre casos criminais, jurisprudência atualizada e estratégias de defesa baseadas em precedentes.",
		Greeting:     "Olá, sou o Especialista em Direito Penal. Como posso ajudar você hoje? Posso auxiliar com análise de casos criminais, jurisprudência atualizada e estratégias de defesa baseadas em precedentes.",
		RequiredPlan: domain.PlanFree,
	},
	{
		ID:           "trabalhista",
		Name:         "Especialista Trabalhista",
		Description:  "Avaliação de processos trabalhistas e cálculos",
		Icon:         "fileText",
		Category:     "juridico",
		Instructions: "Você é um especialista em direito trabalhista brasileiro. Forneça avaliações detalhadas de processos trabalhistas, cálculos de indenizações e análise de conformidade com a CLT.",
		Greeting:     "Olá, sou o Especialista em Direito Trabalhista. Como posso ajudar você hoje? Posso auxiliar com avaliação de processos trabalhistas, cálculos de indenizações e análise de conformidade com a CLT.",
		RequiredPlan: domain.PlanFree,
	},
	{
		ID:           "civil",
		Name:         "Especialista Civil",
		Description:  "Elaboração de contratos e análise de responsabilidade",
		Icon:         "users",
		Category:     "juridico",
		Instructions: "Você é um especialista em direito civil brasileiro. Forneça análises sobre contratos, responsabilidade civil e estratégias para litígios.",
		Greeting:     "Olá, sou o Especialista em Direito Civil. Como posso ajudar você hoje? Posso auxiliar com elaboração de contratos, análise de responsabilidade civil e estratégias para litígios.",
		RequiredPlan: domain.PlanPro,
	},
	{
		ID:           "resumidor",
		Name:         "Resumidor de Documentos",
		Description:  "Resumo inteligente de petições e documentos",
		Icon:         "brain",
		Category:     "documentos",
		Instructions: "Você é um especialista em resumir documentos jurídicos. Forneça resumos concisos e precisos de petições, contratos e documentos jurídicos complexos.",
		Greeting:     "Olá, sou o Resumidor de Documentos. Como posso ajudar você hoje? Posso auxiliar com resumo inteligente de petições, contratos e documentos jurídicos complexos.",
		RequiredPlan: domain.PlanFree,
	},
	{
		ID:           "avaliador",
		Name:         "Avaliador de Petições",
		Description:  "Análise crítica de petições com sugestões",
		Icon:         "scale",
		Category:     "documentos",
		Instructions: "Você é um especialista em avaliar petições jurídicas. Forneça análises críticas com sugestões de melhorias e verificação de precedentes.",
		Greeting:     "Olá, sou o Avaliador de Petições. Como posso ajudar você hoje? Posso auxiliar com análise crítica de petições, sugestões de melhorias e verificação de precedentes.",
		RequiredPlan: domain.PlanPro,
	},
	{
		ID:           "conversor",
		Name:         "Conversor de Clientes",
		Description:  "Elaboração de propostas personalizadas",
		Icon:         "users",
		Category:     "negocios",
		Instructions: "Você é um especialista em converter clientes potenciais. Ajude a elaborar propostas personalizadas e argumentos persuasivos para prospecção de clientes.",
		Greeting:     "Olá, sou o Conversor de Clientes. Como posso ajudar você hoje? Posso auxiliar com elaboração de propostas personalizadas e argumentos persuasivos para prospecção de clientes.",
		RequiredPlan: domain.PlanEnterprise,
	},
}

var catalogIndex = func() map[string]int {
	idx := make(map[string]int, len(catalog))
	for i := range catalog {
		catalog[i].Model = DefaultModel
		catalog[i].Temperature = DefaultTemperature
		catalog[i].IsDefault = true
		catalog[i].LinkedDocuments = []string{}
		idx[catalog[i].ID] = i
	}
	return idx
}()

// Catalog returns a copy of the built-in assistants in display order.
func Catalog() []domain.Assistant {
	out := make([]domain.Assistant, len(catalog))
	for i, a := range catalog {
		a.LinkedDocuments = []string{}
		out[i] = a
	}
	return out
}

// IsSystem reports whether id names a built-in assistant.
func IsSystem(id string) bool {
	_, ok := catalogIndex[id]
	return ok
}

func lookupSystem(id string) (domain.Assistant, bool) {
	i, ok := catalogIndex[id]
	if !ok {
		return domain.Assistant{}, false
	}
	a := catalog[i]
	a.LinkedDocuments = []string{}
	return a, true
}
