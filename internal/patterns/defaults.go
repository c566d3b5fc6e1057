package patterns

// Set names. The first seven are required by Validate.
const (
	SetScheduling          = "scheduling"
	SetChat                = "chat"
	SetCrisis              = "crisis"
	SetEscalationEmergency = "escalation_emergency"
	SetEscalationComplex   = "escalation_complexity"
	SetEscalationExam      = "escalation_physical_exam"
	SetEscalationGeneric   = "escalation_generic"

	SetWorkflowConfirmation = "workflow_confirmation"
	SetWorkflowRescheduling = "workflow_rescheduling"
	SetWorkflowBooking      = "workflow_booking"
)

// RequiredSets must be present and non-empty in any loaded configuration.
var RequiredSets = []string{
	SetScheduling,
	SetChat,
	SetCrisis,
	SetEscalationEmergency,
	SetEscalationComplex,
	SetEscalationExam,
	SetEscalationGeneric,
}

var defaultEntries = map[string][]Entry{
	SetScheduling: {
		{ID: "scheduling.book", Terms: []string{"agendar", "consulta", "marcar"}},
		{ID: "scheduling.slot", Terms: []string{"horário", "horario", "disponível", "disponivel"}},
		{ID: "scheduling.doctor", Terms: []string{"médico", "medico", "doutor", "doutora", "dr", "dra"}},
		{ID: "scheduling.confirm", Terms: []string{"confirmar", "confirmação", "confirmacao"}},
		{ID: "scheduling.affirm", Terms: []string{"sim", "confirmo", "ok", "tudo bem"}},
		{ID: "scheduling.reschedule", Terms: []string{"reagendar", "remarcar", "mudar", "trocar"}},
		{ID: "scheduling.cancel", Terms: []string{"cancelar", "desmarcar"}},
	},
	SetChat: {
		{ID: "chat.question", Terms: []string{"como", "quando", "onde", "porque", "por que", "qual"}},
		{ID: "chat.help", Terms: []string{"informação", "informacao", "dúvida", "duvida", "ajuda"}},
		{ID: "chat.greeting", Terms: []string{"oi", "olá", "ola", "bom dia", "boa tarde", "boa noite"}},
		{ID: "chat.treatment", Terms: []string{"sintoma", "tratamento", "medicamento", "remédio", "remedio"}},
		{ID: "chat.exam", Terms: []string{"exame", "resultado", "procedimento"}},
		{ID: "chat.guidance", Terms: []string{"orientação", "orientacao", "cuidados", "preparo"}},
		{ID: "chat.symptom", Terms: []string{"gripe", "resfriado", "covid", "febre", "tosse", "dor"}},
		{ID: "chat.condition", Terms: []string{"diabetes", "pressão", "colesterol", "coração", "cardiaco"}},
		{ID: "chat.location", Terms: []string{"funcionamento", "endereço", "endereco", "localização", "localizacao"}},
		{ID: "chat.coverage", Terms: []string{"especialidades", "convênio", "convenio", "plano"}},
	},
	SetCrisis: {
		{ID: "crisis.suicide", Terms: []string{"suicídio", "suicidio", "me matar", "vou me matar", "quero morrer", "penso em morrer"}},
		{ID: "crisis.self_harm", Terms: []string{"autolesão", "autolesao", "me cortar", "me machucar"}},
		{ID: "crisis.despair", Terms: []string{
			"não aguento mais", "nao aguento mais", "acabar com tudo",
			"não vale a pena viver", "nao vale a pena viver", "sem saída", "sem saida",
		}},
		{ID: "crisis.cardiac", Terms: []string{"dor no peito", "infarto", "derrame", "avc"}},
		{ID: "crisis.bleeding", Terms: []string{"hemorragia", "desmaio", "desmaiou"}},
		{ID: "crisis.breathing", Terms: []string{"falta de ar", "não consigo respirar", "nao consigo respirar"}},
		{ID: "crisis.help", Terms: []string{"socorro", "emergência", "emergencia"}},
	},
	SetEscalationEmergency: {
		{ID: "post.urgent", Terms: []string{"urgent", "urgente", "urgência", "urgencia"}},
		{ID: "post.emergency", Terms: []string{"emergency", "emergência", "emergencia", "pronto-socorro", "pronto socorro", "samu", "192"}},
	},
	SetEscalationComplex: {
		{ID: "post.complex", Terms: []string{"complex case", "caso complexo", "situação complexa", "situacao complexa", "muito complicado"}},
	},
	SetEscalationExam: {
		{ID: "post.in_person", Terms: []string{
			"needs in-person evaluation", "in-person evaluation", "avaliação presencial", "avaliacao presencial",
			"consulta presencial", "exame físico", "exame fisico",
		}},
	},
	SetEscalationGeneric: {
		{ID: "post.handoff", Terms: []string{
			"requires human", "human follow-up", "atendimento humano", "encaminhar para a equipe",
			"falar com um atendente", "nossa equipe entrará em contato", "nossa equipe entrara em contato",
		}},
	},
	SetWorkflowConfirmation: {
		{ID: "workflow.confirm", Terms: []string{"confirmar", "confirmação", "confirmacao", "sim", "ok"}},
	},
	SetWorkflowRescheduling: {
		{ID: "workflow.reschedule", Terms: []string{"reagendar", "remarcar", "mudar", "trocar", "cancelar"}},
	},
	SetWorkflowBooking: {
		{ID: "workflow.book", Terms: []string{"agendar", "marcar", "consulta", "médico", "medico", "horário", "horario"}},
	},
}

// Defaults returns freshly compiled copies of the built-in Portuguese sets.
func Defaults() Sets {
	sets := make(Sets, len(defaultEntries))
	for name, entries := range defaultEntries {
		sets[name] = MustCompile(name, entries)
	}
	return sets
}
