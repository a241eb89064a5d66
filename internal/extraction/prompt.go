package extraction

import "strings"

// Instruction sent to the language model. The document text replaces {{document_text}}.
const promptTemplate = `Eres un asistente experto en procesar denuncias policiales en español.
Extrae y devuelve SOLO el siguiente JSON:
{
  "contenido_denuncia": "<toda la narrativa completa de los hechos>"
}

Reglas:
- Empieza después de encabezados como "Contenido", "Descripción de los hechos", "Acta de" o "Resumen".
- Incluye todos los párrafos, aunque estén en distintas páginas.
- Detente antes de los encabezados "Instructor", "Fdo el Instructor", "Interviniente" o "Autentificador".
- Devuelve ÚNICAMENTE JSON válido.

Documento:
<<<
{{document_text}}
>>>
`

// Prompt embeds documentText in the fixed narrative instruction.
func Prompt(documentText string) string {
	return strings.Replace(promptTemplate, "{{document_text}}", documentText, 1)
}
